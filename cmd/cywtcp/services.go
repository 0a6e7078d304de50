package main

import (
	"bytes"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
	"github.com/soypat/cywtcp"
	mqtt "github.com/soypat/natiu-mqtt"
)

func (svc service) handler(logger *slog.Logger) (cywtcp.Handler, error) {
	switch svc.Kind {
	case "echo":
		return cywtcp.HandlerFunc(echo), nil
	case "http":
		return httpHandler{logger: logger}, nil
	case "mqtt":
		return &mqttBroker{logger: logger, decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 256)}}, nil
	case "discard":
		return cywtcp.HandlerFunc(func(*cywtcp.Stack, cywtcp.SocketHandle, []byte) {}), nil
	}
	return nil, errors.Errorf("unknown service kind %q on port %d", svc.Kind, svc.Port)
}

func echo(s *cywtcp.Stack, h cywtcp.SocketHandle, payload []byte) {
	s.Send(h, payload)
}

// httpHandler answers every request line with a fixed page. Requests are
// expected to arrive in a single segment.
type httpHandler struct {
	logger *slog.Logger
}

const page = "<html><body>cywtcp</body></html>\n"

func (hh httpHandler) HandleTCP(s *cywtcp.Stack, h cywtcp.SocketHandle, payload []byte) {
	line, _, ok := bytes.Cut(payload, []byte("\r\n"))
	if !ok {
		return
	}
	method, _, _ := bytes.Cut(line, []byte(" "))
	var resp []byte
	switch string(method) {
	case "GET":
		resp = response(resp, "200 OK", page)
	case "HEAD":
		resp = response(resp, "200 OK", "")
	default:
		resp = response(resp, "405 Method Not Allowed", "")
	}
	hh.logger.Info("http", slog.String("h", h.String()), slog.String("request", string(line)))
	_, err := s.Send(h, resp)
	if err != nil {
		hh.logger.Error("http:send", slog.String("err", err.Error()))
	}
}

func response(dst []byte, status, body string) []byte {
	dst = append(dst, "HTTP/1.0 "...)
	dst = append(dst, status...)
	dst = append(dst, "\r\nContent-Type: text/html\r\nContent-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, "\r\nConnection: close\r\n\r\n"...)
	return append(dst, body...)
}

// mqttBroker accepts MQTT sessions and keeps them alive. It answers CONNECT
// and PINGREQ and ignores every other control packet. Packets split across
// segments are not reassembled.
type mqttBroker struct {
	logger  *slog.Logger
	decoder mqtt.DecoderNoAlloc
	out     bytes.Buffer
}

func (mb *mqttBroker) HandleTCP(s *cywtcp.Stack, h cywtcp.SocketHandle, payload []byte) {
	mb.out.Reset()
	for len(payload) > 0 {
		hdr, n, err := mqtt.DecodeHeader(bytes.NewReader(payload))
		if err != nil {
			mb.logger.Error("mqtt:header", slog.String("h", h.String()), slog.String("err", err.Error()))
			break
		}
		end := n + int(hdr.RemainingLength)
		if end > len(payload) {
			mb.logger.Error("mqtt:short", slog.String("h", h.String()), slog.Int("want", end), slog.Int("got", len(payload)))
			break
		}
		body := payload[n:end]
		payload = payload[end:]
		switch hdr.Type() {
		case mqtt.PacketConnect:
			vc, _, err := mb.decoder.DecodeConnect(bytes.NewReader(body))
			if err != nil {
				mb.logger.Error("mqtt:connect", slog.String("err", err.Error()))
				return
			}
			mb.logger.Info("mqtt:connect", slog.String("h", h.String()), slog.String("client", string(vc.ClientID)))
			// Session present 0, return code 0 (accepted).
			err = mb.reply(mqtt.PacketConnack, 0x00, 0x00)
			if err != nil {
				mb.logger.Error("mqtt:connack", slog.String("err", err.Error()))
				return
			}
		case mqtt.PacketPingreq:
			if err := mb.reply(mqtt.PacketPingresp); err != nil {
				mb.logger.Error("mqtt:pingresp", slog.String("err", err.Error()))
				return
			}
		default:
			mb.logger.Debug("mqtt:ignored", slog.String("h", h.String()), slog.Int("type", int(hdr.Type())))
		}
	}
	if mb.out.Len() == 0 {
		return
	}
	if _, err := s.Send(h, mb.out.Bytes()); err != nil {
		mb.logger.Error("mqtt:send", slog.String("err", err.Error()))
	}
}

func (mb *mqttBroker) reply(tp mqtt.PacketType, body ...byte) error {
	hdr, err := mqtt.NewHeader(tp, 0, uint32(len(body)))
	if err != nil {
		return err
	}
	if _, err = hdr.Encode(&mb.out); err != nil {
		return err
	}
	mb.out.Write(body)
	return nil
}
