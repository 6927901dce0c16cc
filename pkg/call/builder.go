package call

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// buildRequest собирает запрос с обязательными заголовками поверх
// состояния звонка. In-dialog запросы получают remote tag и route set.
func (m *Machine) buildRequest(c *Call, method sip.RequestMethod, target sip.Uri, branch string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, target)

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            c.acc.Contact.Host,
		Port:            c.acc.Contact.Port,
		Params:          sip.NewParams().Add("branch", branch),
	})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	from := &sip.FromHeader{
		DisplayName: c.acc.DisplayName,
		Address:     c.localURI,
		Params:      sip.NewParams().Add("tag", c.localTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: c.remoteURI, Params: sip.NewParams()}
	if c.remoteTag != "" {
		to.Params = to.Params.Add("tag", c.remoteTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(c.id)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: c.acc.Contact})
	req.AppendHeader(sip.NewHeader("User-Agent", m.userAgent))

	// In-dialog запросы идут по route set из Record-Route.
	for _, r := range c.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	return req
}

func setSDPBody(req *sip.Request, sdp string) {
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(sdp))))
	req.SetBody([]byte(sdp))
}

// buildAck строит ACK для 2xx. Отдельная "транзакция": тот же номер
// CSeq, что у INVITE, метод ACK, свежий branch, маршрут по route set к
// remote target.
func (m *Machine) buildAck(c *Call) *sip.Request {
	target := c.remoteURI
	if c.hasRemote {
		target = c.remoteTgt
	}
	return m.buildRequest(c, sip.ACK, target, sip.GenerateBranch(), c.nextCSeq(sip.ACK))
}

// buildCancel строит CANCEL: тот же branch и Via, что у INVITE, CSeq с
// номером INVITE и методом CANCEL, To без remote tag.
func (m *Machine) buildCancel(c *Call) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, c.invite.Recipient)

	if via := c.invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	req.AppendHeader(sip.HeaderClone(c.invite.From()))
	req.AppendHeader(sip.HeaderClone(c.invite.To()))
	cid := sip.CallIDHeader(c.id)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.peekCSeq(sip.INVITE), MethodName: sip.CANCEL})
	req.AppendHeader(sip.NewHeader("User-Agent", m.userAgent))
	return req
}

// inDialogTarget куда слать in-dialog запрос: remote Contact, иначе AOR.
func (c *Call) inDialogTarget() sip.Uri {
	if c.hasRemote {
		return c.remoteTgt
	}
	return c.remoteURI
}

var directionAttrs = []string{"a=sendrecv", "a=sendonly", "a=recvonly", "a=inactive"}

// sdpWithDirection возвращает SDP с замененным атрибутом направления.
// Тело сохраняется дословно за вычетом direction строк; отсутствующий
// атрибут добавляется в конец.
func sdpWithDirection(raw, direction string) string {
	attr := "a=" + direction
	lines := strings.Split(raw, "\r\n")
	replaced := false
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		isDir := false
		for _, d := range directionAttrs {
			if line == d {
				isDir = true
				break
			}
		}
		if isDir {
			if !replaced {
				out = append(out, attr)
				replaced = true
			}
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		// Вставляем перед финальной пустой строкой, если она есть.
		if len(out) > 0 && out[len(out)-1] == "" {
			out = append(out[:len(out)-1], attr, "")
		} else {
			out = append(out, attr)
		}
	}
	return strings.Join(out, "\r\n")
}

// extractRouteSet снимает route set с Record-Route ответа, создающего
// диалог: в обратном порядке для UAC, в прямом для UAS.
func extractRouteSet(headers []sip.Header, reverse bool) []sip.Uri {
	var uris []sip.Uri
	for _, h := range headers {
		v := strings.TrimSpace(h.Value())
		v = strings.TrimPrefix(v, "<")
		v = strings.TrimSuffix(v, ">")
		var u sip.Uri
		if err := sip.ParseUri(v, &u); err != nil {
			continue
		}
		uris = append(uris, u)
	}
	if reverse {
		for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
			uris[i], uris[j] = uris[j], uris[i]
		}
	}
	return uris
}

// parseContact достает URI из Contact заголовка ответа или запроса.
func parseContact(h sip.Header) (sip.Uri, bool) {
	if h == nil {
		return sip.Uri{}, false
	}
	v := strings.TrimSpace(h.Value())
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	var u sip.Uri
	if err := sip.ParseUri(v, &u); err != nil {
		return sip.Uri{}, false
	}
	return u, true
}
