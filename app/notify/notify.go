// Package notify sends job completion and failure messages via email, slack and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/persistence"
)

const defaultTemplate = `OpenSearch workflow {{.Job.ID}} {{.Job.Status}} on {{.Host}}
Tasks: {{range $i, $t := .Tasks}}{{if $i}}, {{end}}{{$t.Name}} {{$t.Status}}{{end}}
Created: {{.Job.CreatedAt.Format "2006-01-02T15:04:05Z07:00"}}{{if .Duration}}, took {{.Duration}}{{end}}
{{- if .Job.Error}}

Error: {{.Job.Error}}{{end}}
{{- if .StatusURL}}

Status: {{.StatusURL}}{{end}}
`

// Params defines when and how messages are sent
type Params struct {
	EnabledError      bool
	EnabledCompletion bool
	HostName          string        // reported in messages, hostname if empty
	BaseURL           string        // api base url, used for job status link if set
	Template          string        // optional template file for message text
	Retries           int           // delivery attempts per destination, 1 if not set
	RetryDelay        time.Duration // initial delay between attempts
}

// SendersParams defines destinations. Destinations without required params are not used.
type SendersParams struct {
	SMTP           notify.SMTPParams
	FromEmail      string
	ToEmails       []string
	SlackToken     string
	SlackChannels  []string
	WebhookURLs    []string
	WebhookTimeout time.Duration
	WebhookHeaders []string
}

// Service delivers job messages to all configured destinations
type Service struct {
	Params
	notifiers     []notify.Notifier
	fromEmail     string
	toEmails      []string
	slackChannels []string
	webhookURLs   []string
	tmpl          *template.Template
}

// NewService makes notification service, returns nil if no destinations configured
func NewService(p Params, sp SendersParams) *Service {
	res := &Service{Params: p, fromEmail: sp.FromEmail}
	if len(sp.ToEmails) > 0 && sp.SMTP.Host != "" {
		res.notifiers = append(res.notifiers, notify.NewEmail(sp.SMTP))
		res.toEmails = sp.ToEmails
	}
	if sp.SlackToken != "" && len(sp.SlackChannels) > 0 {
		res.notifiers = append(res.notifiers, notify.NewSlack(sp.SlackToken))
		res.slackChannels = sp.SlackChannels
	}
	if len(sp.WebhookURLs) > 0 {
		res.notifiers = append(res.notifiers, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.WebhookTimeout, Headers: sp.WebhookHeaders}))
		res.webhookURLs = sp.WebhookURLs
	}
	if len(res.notifiers) == 0 {
		return nil
	}
	if res.HostName == "" {
		res.HostName, _ = os.Hostname()
	}
	if res.Retries <= 0 {
		res.Retries = 1
	}
	res.tmpl = res.loadTemplate()
	log.Printf("[INFO] notifications enabled, on error: %v, on completion: %v, destinations: %d",
		p.EnabledError, p.EnabledCompletion, len(res.destinations("")))
	return res
}

// JobFinished sends message for completed or failed job if enabled for its status
func (s *Service) JobFinished(ctx context.Context, job persistence.Job) error {
	switch {
	case job.Status == enums.JobStatusFailed && s.EnabledError:
	case job.Status == enums.JobStatusCompleted && s.EnabledCompletion:
	default:
		return nil
	}
	text, err := s.MakeMessage(job)
	if err != nil {
		return err
	}
	subj := fmt.Sprintf("OpenSearch workflow %s %s", shortID(job.ID), job.Status)
	return s.Send(ctx, subj, text)
}

// Send delivers text to every destination, retrying failed deliveries. Returns joined errors of all destinations.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations(subj) {
		rptr := repeater.New(&strategy.Backoff{Repeats: s.Retries, Duration: s.RetryDelay, Factor: 2})
		err := rptr.Do(ctx, func() error {
			return notify.Send(ctx, s.notifiers, dest, text)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("can't send to %s: %w", redactDest(dest), err))
			continue
		}
		log.Printf("[DEBUG] sent %q to %s", subj, redactDest(dest))
	}
	return errors.Join(errs...)
}

// MakeMessage renders job message text
func (s *Service) MakeMessage(job persistence.Job) (string, error) {
	type taskView struct{ Name, Status string }
	data := struct {
		Job       persistence.Job
		Host      string
		Tasks     []taskView
		Duration  time.Duration
		StatusURL string
	}{Job: job, Host: s.HostName}
	for _, name := range job.TaskNames() {
		data.Tasks = append(data.Tasks, taskView{Name: name.String(), Status: job.Tasks[name].Status.String()})
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		data.Duration = job.CompletedAt.Sub(*job.StartedAt).Truncate(time.Second)
	}
	if s.BaseURL != "" {
		data.StatusURL = strings.TrimSuffix(s.BaseURL, "/") + "/api/v1/jobs/" + job.ID
	}

	tmpl := s.tmpl
	if tmpl == nil {
		tmpl = template.Must(template.New("msg").Parse(defaultTemplate))
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply message template: %w", err)
	}
	return buf.String(), nil
}

// loadTemplate reads custom template, falls back to default one if missing or broken
func (s *Service) loadTemplate() *template.Template {
	def := template.Must(template.New("msg").Parse(defaultTemplate))
	if s.Template == "" {
		return def
	}
	data, err := os.ReadFile(s.Template)
	if err != nil {
		log.Printf("[WARN] can't read message template %s, using default, %v", s.Template, err)
		return def
	}
	t, err := template.New("msg").Parse(string(data))
	if err != nil {
		log.Printf("[WARN] can't parse message template %s, using default, %v", s.Template, err)
		return def
	}
	return t
}

// destinations makes destination strings understood by go-pkgz/notify
func (s *Service) destinations(subj string) []string {
	var res []string
	if len(s.toEmails) > 0 {
		params := url.Values{}
		if s.fromEmail != "" {
			params.Set("from", s.fromEmail)
		}
		if subj != "" {
			params.Set("subject", subj)
		}
		dest := "mailto:" + strings.Join(s.toEmails, ",")
		if len(params) > 0 {
			dest += "?" + params.Encode()
		}
		res = append(res, dest)
	}
	for _, ch := range s.slackChannels {
		dest := "slack:" + ch
		if subj != "" {
			dest += "?" + url.Values{"title": {subj}}.Encode()
		}
		res = append(res, dest)
	}
	res = append(res, s.webhookURLs...)
	return res
}

// redactDest hides query and credentials of webhook urls in logs
func redactDest(dest string) string {
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return dest
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
