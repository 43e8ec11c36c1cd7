package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes the message a requester would receive to the log. It stands
// in for an email or push provider.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{log: logger.Named("sink")}
}

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.log.Info(Subject(ev),
		zap.String("to", ev.RequesterID),
		zap.String("appointment_id", ev.AppointmentID),
		zap.String("status", ev.Status),
		zap.String("date", ev.Date),
		zap.String("start_time", ev.StartTime),
		zap.String("end_time", ev.EndTime),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// Subject is the one-line summary sent to the requester.
func Subject(ev Event) string {
	switch ev.Type {
	case "APPOINTMENT_CREATED":
		if ev.Status == "approved" {
			return "Your appointment is confirmed: " + ev.Title
		}
		return "Your appointment request was received: " + ev.Title
	case "APPOINTMENT_APPROVED":
		return "Your appointment was approved: " + ev.Title
	case "APPOINTMENT_REJECTED":
		return "Your appointment was rejected: " + ev.Title
	case "APPOINTMENT_CANCELLED":
		return "Your appointment was cancelled: " + ev.Title
	case "APPOINTMENT_RESCHEDULED":
		return "Your appointment was moved: " + ev.Title
	}
	return "Appointment update: " + ev.Title
}
