package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"

	"glass-frontier/hub/logging"
)

var severityColors = map[logging.Severity]*color.Color{
	logging.SeverityDebug: color.New(color.FgHiBlack),
	logging.SeverityInfo:  color.New(color.FgGreen),
	logging.SeverityWarn:  color.New(color.FgYellow),
	logging.SeverityError: color.New(color.FgRed, color.Bold),
}

// ConsoleSink prints one key=value line per event.
type ConsoleSink struct {
	logger   *log.Logger
	useColor bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags), useColor: cfg.UseColor}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Print(s.format(event))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func (s *ConsoleSink) format(event logging.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] severity=%s", event.Type, s.severity(event.Severity))
	if event.Room != (logging.RoomRef{}) {
		fmt.Fprintf(&b, " room=%s/%s", event.Room.HubID, event.Room.RoomID)
	}
	if event.Actor != (logging.EntityRef{}) {
		b.WriteString(" actor=" + entity(event.Actor))
	}
	if len(event.Targets) > 0 {
		names := make([]string, len(event.Targets))
		for i, target := range event.Targets {
			names[i] = entity(target)
		}
		b.WriteString(" targets=" + strings.Join(names, ","))
	}
	if event.AuditRef != "" {
		b.WriteString(" audit=" + event.AuditRef)
	}
	if event.TraceID != "" {
		b.WriteString(" trace=" + event.TraceID)
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(&b, " payload=%s", data)
		} else {
			fmt.Fprintf(&b, " payload=%v", event.Payload)
		}
	}
	return b.String()
}

func (s *ConsoleSink) severity(sev logging.Severity) string {
	label := sev.String()
	if c, ok := severityColors[sev]; ok && s.useColor {
		return c.Sprint(label)
	}
	return label
}

func entity(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	default:
		return string(ref.Kind) + ":" + ref.ID
	}
}
