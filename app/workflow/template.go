package workflow

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// commandTemplate expands executor command lines like "build.sh --out /data/{{.Timestamp}}/{{.Task}}"
type commandTemplate struct {
	JobID     string
	Task      string
	Timestamp string // workflow timestamp shared by all tasks of the job

	YYYYMMDD string
	YYYY     string
	YYYYMM   string
	YYMMDD   string
	ISODATE  string
	MM       string
	DD       string
	YY       string

	UNIX     int64
	UNIXMSEC int64
}

func newCommandTemplate(ts time.Time, req TaskRequest) commandTemplate {
	yy, mm, dd := ts.Date()
	midnight := time.Date(yy, mm, dd, 0, 0, 0, 0, ts.Location())
	return commandTemplate{
		JobID:     req.JobID,
		Task:      req.Task.String(),
		Timestamp: req.WorkflowTimestamp,

		YYYYMMDD: midnight.Format("20060102"),
		YYYY:     midnight.Format("2006"),
		YYYYMM:   midnight.Format("200601"),
		YYMMDD:   midnight.Format("060102"),
		ISODATE:  midnight.Format("2006-01-02T00:00:00.000Z"),
		YY:       midnight.Format("06"),
		MM:       midnight.Format("01"),
		DD:       midnight.Format("02"),

		UNIX:     ts.Unix(),
		UNIXMSEC: ts.UnixMilli(),
	}
}

// Parse translates command template to the final command line
func (c commandTemplate) Parse(command string) (string, error) {
	tmpl, err := template.New("cmd").Option("missingkey=error").Parse(command)
	if err != nil {
		return "", fmt.Errorf("failed to parse command template %q: %w", command, err)
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("failed to expand command template %q: %w", command, err)
	}
	return buf.String(), nil
}
