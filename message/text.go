package message

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/sarchlab/cosim/sim"
)

// ToString renders every field as space separated key=value tokens. Strings
// are quoted and the payload is base64 encoded. FromString parses it back.
func (m *ActionMessage) ToString() string {
	var b strings.Builder

	fmt.Fprintf(&b, "action=%s id=%d src=%d srch=%d dst=%d dsth=%d "+
		"time=%d counter=%d flags=%d",
		m.Action, m.MessageID, m.SourceID, m.SourceHandle,
		m.DestID, m.DestHandle, m.Time, m.Counter, m.flags())

	if m.Payload != nil {
		b.WriteString(" payload=")
		b.WriteString(base64.StdEncoding.EncodeToString(m.Payload))
	}

	if m.info != nil {
		fmt.Fprintf(&b, " te=%d tdemin=%d minfed=%d",
			m.info.EventTime, m.info.MinDeTime, m.info.MinFed)

		for i, s := range m.info.strings() {
			fmt.Fprintf(&b, " %s=%s", infoStringKeys[i], strconv.Quote(s))
		}
	}

	return b.String()
}

var infoStringKeys = [7]string{
	"source", "target", "origsrc", "origdst", "type", "typeout", "units",
}

// FromString parses the output of ToString.
func FromString(s string) (*ActionMessage, error) {
	tokens, err := splitTokens(s)
	if err != nil {
		return nil, err
	}

	actionText, ok := tokens["action"]
	if !ok {
		return nil, fmt.Errorf("%w: missing action", ErrCorrupt)
	}

	action, err := ParseAction(actionText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	m := New(action)
	p := tokenParser{tokens: tokens}

	m.MessageID = int32(p.int("id"))
	m.SourceID = sim.GlobalID(p.int("src"))
	m.SourceHandle = sim.InterfaceHandle(p.int("srch"))
	m.DestID = sim.GlobalID(p.int("dst"))
	m.DestHandle = sim.InterfaceHandle(p.int("dsth"))
	m.Time = sim.VTime(p.int("time"))
	m.Counter = uint16(p.int("counter"))
	m.setFlags(byte(p.int("flags")))

	if payload, ok := tokens["payload"]; ok {
		m.Payload, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
		}
	}

	if m.info != nil {
		m.info.EventTime = sim.VTime(p.int("te"))
		m.info.MinDeTime = sim.VTime(p.int("tdemin"))
		m.info.MinFed = sim.GlobalID(p.int("minfed"))

		for i, field := range m.info.stringFields() {
			*field = p.str(infoStringKeys[i])
		}
	}

	if p.err != nil {
		return nil, p.err
	}

	return m, nil
}

func splitTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)

	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return tokens, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: bad token %q", ErrCorrupt, s)
		}

		key := s[:eq]
		s = s[eq+1:]

		if strings.HasPrefix(s, `"`) {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
			}

			tokens[key] = quoted
			s = s[len(quoted):]

			continue
		}

		end := strings.IndexByte(s, ' ')
		if end < 0 {
			end = len(s)
		}

		tokens[key] = s[:end]
		s = s[end:]
	}
}

type tokenParser struct {
	tokens map[string]string
	err    error
}

func (p *tokenParser) int(key string) int64 {
	if p.err != nil {
		return 0
	}

	v, err := strconv.ParseInt(p.tokens[key], 10, 64)
	if err != nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	return v
}

func (p *tokenParser) str(key string) string {
	if p.err != nil {
		return ""
	}

	v, err := strconv.Unquote(p.tokens[key])
	if err != nil {
		p.err = fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	return v
}
