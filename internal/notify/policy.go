// Package notify decides when a job outcome is worth an email, renders it,
// and delivers it in the background.
package notify

import (
	"fmt"
	"strings"

	"mash/internal/job"
)

// Outcome is what the policy needs to know about a finished pass.
type Outcome struct {
	JobID            string
	Email            string
	NotificationType string
	UTCTime          string
	Status           job.Status
	LastService      string
	IterationCount   int
	Error            string
	LogFile          string
}

// ShouldNotify reports whether service should send an email for outcome.
//
// Failures always notify. Successes notify when the user asked for periodic
// updates or when the job finished at its terminal stage, except for
// recurring jobs which would otherwise mail on every pass.
func ShouldNotify(service string, o Outcome) bool {
	if o.Email == "" {
		return false
	}
	if o.Status != job.StatusSuccess {
		return true
	}
	if o.UTCTime == job.UTCAlways {
		return false
	}
	return o.NotificationType == job.NotifyPeriodic || o.LastService == service
}

// Content renders the mail body for outcome as seen by service.
func Content(service string, o Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\nService: %s\nLog: %s\n\n", o.JobID, service, o.LogFile)

	if o.Status == job.StatusSuccess {
		if o.LastService == service {
			b.WriteString("Job finished successfully.")
		} else {
			fmt.Fprintf(&b, "Job finished through the %s service.", service)
		}
		return b.String()
	}

	b.WriteString("Job failed.")
	if o.UTCTime == job.UTCAlways && o.IterationCount > 0 {
		fmt.Fprintf(&b, " The current pass is #%d.", o.IterationCount)
	}
	if o.Error != "" {
		fmt.Fprintf(&b, " The following error was logged: \n\n%s", o.Error)
	}
	return b.String()
}

// OutcomeOf collects the notification fields of j after a pass.
func OutcomeOf(j *job.Job, logFile string) Outcome {
	return Outcome{
		JobID:            j.ID,
		Email:            j.NotificationEmail,
		NotificationType: j.NotificationType,
		UTCTime:          j.UTCTime,
		Status:           j.Status(),
		LastService:      j.LastService,
		IterationCount:   j.IterationCount(),
		Error:            j.LastError(),
		LogFile:          logFile,
	}
}
