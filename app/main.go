package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	pkgznotify "github.com/go-pkgz/notify"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/osflow/osflow/app/conditions"
	"github.com/osflow/osflow/app/enums"
	"github.com/osflow/osflow/app/notify"
	"github.com/osflow/osflow/app/persistence"
	"github.com/osflow/osflow/app/resumer"
	"github.com/osflow/osflow/app/tracker"
	"github.com/osflow/osflow/app/web"
	"github.com/osflow/osflow/app/workflow"
)

var opts struct {
	Listen     string        `short:"l" long:"listen" env:"OSFLOW_LISTEN" default:"127.0.0.1:8080" description:"api listen address"`
	JobsDir    string        `long:"jobs" env:"OSFLOW_JOBS" default:"var/jobs" description:"jobs storage directory"`
	HistoryDB  string        `long:"history" env:"OSFLOW_HISTORY" default:"var/history.db" description:"event history database, empty to disable"`
	Executors  string        `short:"e" long:"executors" env:"OSFLOW_EXECUTORS" default:"executors.yml" description:"executors config file"`
	MaxJobs    int           `long:"max-jobs" env:"OSFLOW_MAX_JOBS" default:"4" description:"max concurrently running jobs"`
	MaxChecks  int           `long:"max-checks" env:"OSFLOW_MAX_CHECKS" default:"10" description:"max concurrent host condition checks"`
	StaleAfter time.Duration `long:"stale-after" env:"OSFLOW_STALE_AFTER" default:"2h" description:"active job without owner pid considered interrupted after"`
	LogPrefix  bool          `long:"log-prefix" env:"OSFLOW_LOG_PREFIX" description:"prefix executor output with job and task"`
	Dbg        bool          `long:"dbg" env:"OSFLOW_DEBUG" description:"debug mode"`

	API struct {
		AuthHash    string   `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash of api password, user osflow"`
		SubmitRate  float64  `long:"submit-rate" env:"SUBMIT_RATE" default:"1" description:"max workflow submissions per second per client"`
		CORSOrigins []string `long:"cors-origin" env:"CORS_ORIGIN" env-delim:"," default:"http://localhost:3000" description:"allowed CORS origins"`
	} `group:"api" namespace:"api" env-namespace:"OSFLOW_API"`

	Cleanup struct {
		Schedule  string        `long:"schedule" env:"SCHEDULE" default:"@daily" description:"cron schedule of old jobs cleanup"`
		Retention time.Duration `long:"retention" env:"RETENTION" default:"168h" description:"remove jobs older than, 0 to disable"`
	} `group:"cleanup" namespace:"cleanup" env-namespace:"OSFLOW_CLEANUP"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"notify on failed jobs"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"notify on completed jobs"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		FromEmail         string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails          []string      `long:"to" env:"TO" env-delim:"," description:"SMTP to email(s)"`
		SlackToken        string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels     []string      `long:"slack-channel" env:"SLACK_CHANNELS" env-delim:"," description:"slack channel(s)"`
		Webhooks          []string      `long:"webhook" env:"WEBHOOKS" env-delim:"," description:"webhook url(s)"`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"delivery timeout"`
		Retries           int           `long:"retries" env:"RETRIES" default:"3" description:"delivery attempts"`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name reported in messages"`
		BaseURL           string        `long:"base-url" env:"BASE_URL" description:"api base url for job links"`
		Template          string        `long:"template" env:"TEMPLATE" description:"message template file"`
	} `group:"notify" namespace:"notify" env-namespace:"OSFLOW_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"var/log/osflow.log" description:"log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"30" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"OSFLOW_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("osflow %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	out := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, out); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer) error {
	execCfg, err := workflow.LoadExecutorsConfig(opts.Executors)
	if err != nil {
		return err
	}
	store, err := persistence.NewFileStore(opts.JobsDir)
	if err != nil {
		return err
	}

	rsm := resumer.Resumer{Store: store, Processes: resumer.PsChecker{}, StaleAfter: opts.StaleAfter}
	webCfg := web.Config{Address: opts.Listen, Version: revision, PasswordHash: opts.API.AuthHash,
		SubmitRate: opts.API.SubmitRate, CORSOrigins: opts.API.CORSOrigins}
	var trackerOpts []tracker.Option
	if opts.HistoryDB != "" {
		hist, herr := persistence.NewSQLiteHistory(opts.HistoryDB)
		if herr != nil {
			return herr
		}
		defer func() {
			if cerr := hist.Close(); cerr != nil {
				log.Printf("[WARN] can't close history, %v", cerr)
			}
		}()
		rsm.History = hist
		webCfg.History = hist
		trackerOpts = append(trackerOpts, tracker.WithHistory(hist))
	}

	// reconcile jobs of the previous run before accepting new ones
	if n := rsm.Scan(); n > 0 {
		log.Printf("[INFO] %d interrupted jobs marked failed", n)
	}

	trk := tracker.New(store, trackerOpts...)
	runnerParams := workflow.RunnerParams{
		Tracker:   trk,
		Executors: makeExecutors(execCfg.Specs(), conditions.NewChecker(opts.MaxChecks), out),
		MaxJobs:   opts.MaxJobs,
	}
	if svc := makeNotifier(); svc != nil {
		runnerParams.Notifier = svc
	}
	runner := workflow.NewRunner(ctx, runnerParams)
	webCfg.Tracker, webCfg.Runner = trk, runner

	if opts.Cleanup.Retention > 0 {
		c, cerr := startCleanup(trk, opts.Cleanup.Schedule, opts.Cleanup.Retention)
		if cerr != nil {
			return cerr
		}
		defer func() { <-c.Stop().Done() }()
	}

	srv, err := web.New(webCfg)
	if err != nil {
		return err
	}
	err = srv.Run(ctx)
	log.Printf("[INFO] waiting for running jobs")
	runner.Wait()
	return err
}

// makeExecutors makes command executor for each configured task
func makeExecutors(specs map[enums.TaskName]workflow.ExecutorSpec, checker workflow.ConditionChecker,
	out io.Writer) map[enums.TaskName]workflow.Executor {
	res := make(map[enums.TaskName]workflow.Executor, len(specs))
	for task, spec := range specs {
		res[task] = &workflow.CommandExecutor{Spec: spec, Checker: checker, Stdout: out, EnableLogPrefix: opts.LogPrefix}
		log.Printf("[DEBUG] executor for %s: %s", task, spec.Command)
	}
	return res
}

// cleaner removes old jobs, implemented by tracker.Tracker
type cleaner interface {
	Cleanup(maxAge time.Duration) int
}

// startCleanup schedules periodic removal of jobs older than retention
func startCleanup(cl cleaner, schedule string, retention time.Duration) (*cron.Cron, error) {
	if retention <= 0 {
		return nil, errors.New("cleanup retention must be positive")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { cl.Cleanup(retention) }); err != nil {
		return nil, fmt.Errorf("can't parse cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[INFO] cleanup of jobs older than %v scheduled at %q", retention, schedule)
	return c, nil
}

// makeNotifier returns nil if notifications disabled or no destinations set
func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "osflow@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:      opts.Notify.EnabledError,
			EnabledCompletion: opts.Notify.EnabledCompletion,
			HostName:          makeHostName(),
			BaseURL:           opts.Notify.BaseURL,
			Template:          opts.Notify.Template,
			Retries:           opts.Notify.Retries,
			RetryDelay:        time.Second,
		},
		notify.SendersParams{
			SMTP: pkgznotify.SMTPParams{
				Host:        opts.Notify.SMTPHost,
				Port:        opts.Notify.SMTPPort,
				TLS:         opts.Notify.SMTPTLS,
				Username:    opts.Notify.SMTPUsername,
				Password:    opts.Notify.SMTPPassword,
				TimeOut:     opts.Notify.Timeout,
				ContentType: "text/plain",
			},
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			SlackToken:     opts.Notify.SlackToken,
			SlackChannels:  opts.Notify.SlackChannels,
			WebhookURLs:    opts.Notify.Webhooks,
			WebhookTimeout: opts.Notify.Timeout,
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures logger and returns writer used for logs and executors output
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
