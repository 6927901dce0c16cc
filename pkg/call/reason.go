package call

import "fmt"

// Reason классификация причины завершения или ошибки звонка.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBusy
	ReasonDeclined
	ReasonNotFound
	ReasonTemporarilyUnavailable
	ReasonRequestTimeout
	ReasonForbidden
	ReasonServerError
	ReasonServiceUnavailable
	ReasonNetworkError
	ReasonAuthenticationFailed
	ReasonIncompatibleMedia
	ReasonCancelledLocal
	ReasonNormalTermination
	ReasonUnknown
)

var reasonNames = map[Reason]string{
	ReasonNone:                   "NONE",
	ReasonBusy:                   "BUSY",
	ReasonDeclined:               "DECLINED",
	ReasonNotFound:               "NOT_FOUND",
	ReasonTemporarilyUnavailable: "TEMPORARILY_UNAVAILABLE",
	ReasonRequestTimeout:         "REQUEST_TIMEOUT",
	ReasonForbidden:              "FORBIDDEN",
	ReasonServerError:            "SERVER_ERROR",
	ReasonServiceUnavailable:     "SERVICE_UNAVAILABLE",
	ReasonNetworkError:           "NETWORK_ERROR",
	ReasonAuthenticationFailed:   "AUTHENTICATION_FAILED",
	ReasonIncompatibleMedia:      "INCOMPATIBLE_MEDIA",
	ReasonCancelledLocal:         "CANCELLED_LOCAL",
	ReasonNormalTermination:      "NORMAL_TERMINATION",
	ReasonUnknown:                "UNKNOWN",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Describe человекочитаемое описание причины.
func (r Reason) Describe() string {
	switch r {
	case ReasonNone:
		return "no error"
	case ReasonBusy:
		return "the callee is busy"
	case ReasonDeclined:
		return "the call was declined"
	case ReasonNotFound:
		return "the destination was not found"
	case ReasonTemporarilyUnavailable:
		return "the destination is temporarily unavailable"
	case ReasonRequestTimeout:
		return "the request timed out"
	case ReasonForbidden:
		return "the request was forbidden"
	case ReasonServerError:
		return "the server failed to process the request"
	case ReasonServiceUnavailable:
		return "the service is unavailable"
	case ReasonNetworkError:
		return "the network connection was lost"
	case ReasonAuthenticationFailed:
		return "authentication failed"
	case ReasonIncompatibleMedia:
		return "the media description was not acceptable"
	case ReasonCancelledLocal:
		return "the call was cancelled locally"
	case ReasonNormalTermination:
		return "the call ended normally"
	default:
		return "an unknown error occurred"
	}
}

// ClassifyStatus сопоставляет финальный SIP код причине. Неизвестные
// коды классифицируются по классу: 4xx как отказ, 5xx как ошибка
// сервера, 6xx как занято.
func ClassifyStatus(code int) Reason {
	switch code {
	case 403:
		return ReasonForbidden
	case 404:
		return ReasonNotFound
	case 408:
		return ReasonRequestTimeout
	case 480:
		return ReasonTemporarilyUnavailable
	case 486, 600:
		return ReasonBusy
	case 487:
		return ReasonCancelledLocal
	case 488:
		return ReasonIncompatibleMedia
	case 503:
		return ReasonServiceUnavailable
	case 603:
		return ReasonDeclined
	}
	switch {
	case code >= 600:
		return ReasonBusy
	case code >= 500:
		return ReasonServerError
	case code >= 400:
		return ReasonDeclined
	default:
		return ReasonUnknown
	}
}

// Error ошибка звонка с SIP контекстом.
type Error struct {
	Reason Reason
	Code   int
	Phrase string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("call failed: %s (%d %s)", e.Reason, e.Code, e.Phrase)
	}
	return fmt.Sprintf("call failed: %s", e.Reason)
}

// Outcome итог звонка для журнала.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeMissed
	OutcomeDeclined
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeMissed:
		return "MISSED"
	case OutcomeDeclined:
		return "DECLINED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}
