package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/events"
	"github.com/campusnet/tg-warden/app/scheduler"
	"github.com/campusnet/tg-warden/app/server"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/storage/engine"
)

type options struct {
	Telegram struct {
		Token string `long:"token" env:"TOKEN" description:"logging bot token" required:"true"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	Listen string `long:"listen" env:"LISTEN" default:":8080" description:"webhook listen address"`
	Secret string `long:"secret" env:"SECRET" description:"process secret, masked in logs"`
	DB     string `long:"db" env:"DB" default:"file:tg-warden.db" description:"db connection url, sqlite file or postgres dsn"`

	Logging struct {
		ChatID int64 `long:"chat-id" env:"CHAT_ID" description:"audit chat id"`
	} `group:"logging" namespace:"logging" env-namespace:"LOGGING"`

	Staff struct {
		ChatID int64 `long:"chat-id" env:"CHAT_ID" description:"staff chat id for @admin reports"`
	} `group:"staff" namespace:"staff" env-namespace:"STAFF"`

	Blocklist struct {
		URL      string        `long:"url" env:"URL" description:"external blocklist url, disabled if not set"`
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"24h" description:"blocklist sync interval"`
	} `group:"blocklist" namespace:"blocklist" env-namespace:"BLOCKLIST"`

	ConfirmationTTL time.Duration `long:"confirmation-ttl" env:"CONFIRMATION_TTL" default:"90s" description:"lifetime of confirmation and welcome messages"`
	RefreshInterval time.Duration `long:"refresh-interval" env:"REFRESH_INTERVAL" default:"1h" description:"group info refresh interval"`

	Scheduler struct {
		Workers int `long:"workers" env:"WORKERS" default:"4" description:"number of scheduler workers"`
	} `group:"scheduler" namespace:"scheduler" env-namespace:"SCHEDULER"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated moderation event log"`
		FileName   string `long:"file" env:"FILE" default:"tg-warden.log" description:"location of the event log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-warden %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token, opts.Secret)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	db, err := engine.New(ctx, opts.DB)
	if err != nil {
		return fmt.Errorf("can't connect to db, %w", err)
	}

	stores, err := makeStores(ctx, db)
	if err != nil {
		return err
	}
	stores.roles.Tasks = stores.tasks // role changes enqueue propagation

	pool := events.NewPool(nil)
	loggingClient, err := pool.Client(opts.Telegram.Token)
	if err != nil {
		return fmt.Errorf("can't make logging bot client, %w", err)
	}

	auditWriter, err := makeAuditLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make audit log writer, %w", err)
	}
	defer auditWriter.Close()

	auditor := &audit.Logger{
		API:    loggingClient,
		ChatID: opts.Logging.ChatID,
		Store:  stores.events,
		Writer: auditWriter,
	}

	dispatcher := makeDispatcher(stores, auditor, pool, loggingClient, opts)
	sched := makeScheduler(stores, auditor, pool, opts)

	if err := stores.tasks.EnsureRecurring(ctx, "refresh_group_info", opts.RefreshInterval); err != nil {
		return fmt.Errorf("can't register group refresh, %w", err)
	}
	if opts.Blocklist.URL != "" {
		if err := stores.tasks.EnsureRecurring(ctx, "sync_external_blocklist", opts.Blocklist.Interval); err != nil {
			return fmt.Errorf("can't register blocklist sync, %w", err)
		}
	}

	srv := server.New(server.Config{
		Version:    revision,
		ListenAddr: opts.Listen,
		Dispatcher: dispatcher,
		Bots:       stores.bots,
		Clients:    pool,
		Dbg:        opts.Dbg,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- srv.Run(ctx) }()
	go func() { done <- sched.Do(ctx) }()

	err = <-done
	cancel()
	<-done // wait for the sibling to stop
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stores bundles all storage accessors sharing one db connection
type stores struct {
	users       *storage.Users
	groups      *storage.Groups
	memberships *storage.Memberships
	bots        *storage.Bots
	blacklist   *storage.Blacklist
	roles       *storage.Roles
	catalog     *storage.Catalog
	tasks       *storage.Tasks
	events      *storage.Events
}

func makeStores(ctx context.Context, db *engine.SQL) (*stores, error) {
	res := &stores{}
	var err error
	if res.users, err = storage.NewUsers(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make users store, %w", err)
	}
	if res.groups, err = storage.NewGroups(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make groups store, %w", err)
	}
	if res.memberships, err = storage.NewMemberships(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make memberships store, %w", err)
	}
	if res.bots, err = storage.NewBots(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make bots store, %w", err)
	}
	if res.blacklist, err = storage.NewBlacklist(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make blacklist store, %w", err)
	}
	if res.roles, err = storage.NewRoles(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make roles store, %w", err)
	}
	if res.catalog, err = storage.NewCatalog(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make catalog store, %w", err)
	}
	if res.tasks, err = storage.NewTasks(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make tasks store, %w", err)
	}
	if res.events, err = storage.NewEvents(ctx, db); err != nil {
		return nil, fmt.Errorf("can't make events store, %w", err)
	}
	return res, nil
}

// makeDispatcher wires the handler chain. Priority groups: 0 sync invariants,
// 1 membership and admin tagging, 2 moderation, 3 user commands, 4 private
// callbacks.
func makeDispatcher(st *stores, auditor *audit.Logger, pool *events.Pool, staffAPI events.TbAPI, opts options) *events.Dispatcher {
	dispatcher := events.NewDispatcher()
	dispatcher.Add(0, &events.Sync{
		Users:        st.users,
		Groups:       st.groups,
		Memberships:  st.memberships,
		Blacklist:    st.blacklist,
		Audit:        auditor,
		LeaveUnknown: true,
	})
	dispatcher.Add(1, &events.Members{
		Users:       st.users,
		Groups:      st.groups,
		Memberships: st.memberships,
		Bots:        st.bots,
		RolesStore:  st.roles,
		Catalog:     st.catalog,
		Tasks:       st.tasks,
		Audit:       auditor,
		ConfirmTTL:  opts.ConfirmationTTL,
	})
	dispatcher.Add(1, &events.AdminTag{
		RolesStore:  st.roles,
		Catalog:     st.catalog,
		Users:       st.users,
		Tasks:       st.tasks,
		Audit:       auditor,
		StaffAPI:    staffAPI,
		StaffChatID: opts.Staff.ChatID,
		ConfirmTTL:  opts.ConfirmationTTL,
	})
	dispatcher.Add(2, &events.Moderation{
		Users:       st.users,
		Groups:      st.groups,
		Memberships: st.memberships,
		Blacklist:   st.blacklist,
		Bots:        st.bots,
		RolesStore:  st.roles,
		Catalog:     st.catalog,
		Tasks:       st.tasks,
		Audit:       auditor,
		Clients:     pool,
		AuditChatID: opts.Logging.ChatID,
		ConfirmTTL:  opts.ConfirmationTTL,
	})
	dispatcher.Add(3, events.NewMemes())
	dispatcher.Add(4, &events.Private{Users: st.users})
	return dispatcher
}

func makeScheduler(st *stores, auditor *audit.Logger, pool *events.Pool, opts options) *scheduler.Scheduler {
	clients := schedulerClients{pool: pool}
	sched := &scheduler.Scheduler{Queue: st.tasks, Workers: opts.Scheduler.Workers}
	sched.Register("delete_message", (&scheduler.DeleteMessage{
		Groups:  st.groups,
		Clients: clients,
	}).Handler)
	sched.Register("refresh_group_info", (&scheduler.RefreshGroupInfo{
		Groups:  st.groups,
		Clients: clients,
	}).Handler)
	sched.Register("sync_external_blocklist", (&scheduler.SyncBlocklist{
		URL:         opts.Blocklist.URL,
		Blacklist:   st.blacklist,
		Memberships: st.memberships,
		Groups:      st.groups,
		Clients:     clients,
		Audit:       auditor,
	}).Handler)
	sched.Register("propagate_roles", (&scheduler.PropagateRoles{
		Roles:       st.roles,
		Catalog:     st.catalog,
		Memberships: st.memberships,
		Groups:      st.groups,
		Clients:     clients,
		Audit:       auditor,
	}).Handler)
	return sched
}

// schedulerClients adapts the events client pool to the scheduler's interface
type schedulerClients struct{ pool *events.Pool }

func (s schedulerClients) Client(token string) (scheduler.TbAPI, error) {
	client, err := s.pool.Client(token)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// makeAuditLogWriter makes the rotated writer for the json event log
func makeAuditLogWriter(opts options) (io.WriteCloser, error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}
	maxSize /= 1048576

	log.Printf("[INFO] event log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	masked := []string{}
	for _, secret := range secrets {
		if secret != "" {
			masked = append(masked, secret)
		}
	}
	if len(masked) > 0 {
		logOpts = append(logOpts, lgr.Secret(masked...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
