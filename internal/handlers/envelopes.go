package handlers

import "github.com/mythosmud/server/internal/events"

func errorEnvelope(code, message string) events.Envelope {
	return events.NewEnvelope(events.FrameError, "", map[string]any{
		"code":    code,
		"message": message,
	})
}

func pongEnvelope(payload any) events.Envelope {
	return events.NewEnvelope(events.FramePong, "", payload)
}

func resultEnvelope(cmdType string, payload any) events.Envelope {
	return events.NewEnvelope(events.FrameGameEvent, "", map[string]any{
		"command": cmdType,
		"result":  payload,
	})
}
