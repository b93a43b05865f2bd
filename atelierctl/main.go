package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/atelier/api"
	"github.com/bringyour/atelier/bus"
	"github.com/bringyour/atelier/comment"
	"github.com/bringyour/atelier/config"
	"github.com/bringyour/atelier/notify"
	"github.com/bringyour/atelier/relay"
	"github.com/bringyour/atelier/session"
)

const AtelierCtlVersion = "0.1.0"

const confirmTimeout = 10 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Atelier control.

The config file defaults to ~/.config/atelier/config.yaml.
Every setting can also be set with an ATELIER_ env var, e.g. ATELIER_API_URL.

Usage:
    atelierctl relay [options] [--addr=<addr>] [--db=<db_path>]
    atelierctl watch [options] [--room=<room>]...
    atelierctl comment [options] --room=<room> [--file=<file_id>] <text>
    atelierctl notify [options] --title=<title> [--type=<type>] [<message>]
    atelierctl list [options] <collection>
    atelierctl get [options] <collection> <id>
    atelierctl upload [options] <collection> --name=<name> [<path>...]
    atelierctl file [options] <file_id> [--out=<out>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        Config file.
    --api_url=<api_url>      Rest api url.
    --bus_url=<bus_url>      Bus url. Defaults to the api host at /ws.
    --jwt=<jwt>              Session token. Only the display name is read.
    --verbose=<level>        Log verbosity [default: 0].
    --addr=<addr>            Relay listen address.
    --db=<db_path>           Relay sqlite path.
    --room=<room>            A room as <domain>-<id>, e.g. techpack-123.
    --file=<file_id>         Scope the comment to a file.
    --title=<title>          Notification title.
    --type=<type>            info, pending, success or error [default: info].
    --name=<name>            Record name.
    --out=<out>              Write the file here instead of stdout.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AtelierCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if verbose, err := opts.String("--verbose"); err == nil {
		flag.Set("v", verbose)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts, cfg)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts, cfg)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		postComment(opts, cfg)
	} else if notify_, _ := opts.Bool("notify"); notify_ {
		sendNotification(opts, cfg)
	} else if list_, _ := opts.Bool("list"); list_ {
		listRecords(opts, cfg)
	} else if get_, _ := opts.Bool("get"); get_ {
		getRecord(opts, cfg)
	} else if upload_, _ := opts.Bool("upload"); upload_ {
		upload(opts, cfg)
	} else if file_, _ := opts.Bool("file"); file_ {
		getFile(opts, cfg)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	path, err := opts.String("--config")
	if err != nil {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if apiUrl, err := opts.String("--api_url"); err == nil {
		cfg.ApiUrl = strings.TrimSuffix(apiUrl, "/")
	}
	if busUrl, err := opts.String("--bus_url"); err == nil {
		cfg.BusUrl = busUrl
	}
	if jwt, err := opts.String("--jwt"); err == nil {
		cfg.Token = jwt
	}
	return cfg, nil
}

func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	// handle Ctrl+C for graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx, cancel
}

func newApi(ctx context.Context, cfg *config.Config) *api.AtelierApi {
	settings := api.DefaultApiSettings()
	settings.CacheTtl = cfg.CacheTtl()
	atelierApi := api.NewAtelierApi(ctx, cfg.ApiUrl, settings)
	atelierApi.SetByJwt(cfg.Token)
	return atelierApi
}

func newSession(ctx context.Context, cfg *config.Config) (*session.Session, string) {
	busUrl, err := cfg.ResolveBusUrl()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	settings := session.DefaultSessionSettings()
	settings.Bus.ReconnectMaxAttempts = cfg.Bus.ReconnectAttempts
	settings.Notify.Retention = cfg.NotifyRetention()
	settings.Notify.MaxCount = cfg.Notify.MaxCount
	settings.Api.CacheTtl = cfg.CacheTtl()
	return session.NewSession(ctx, cfg.ApiUrl, busUrl, cfg.Token, settings), busUrl
}

func runRelay(opts docopt.Opts, cfg *config.Config) {
	settings := relay.DefaultServerSettings()
	settings.Addr = cfg.Relay.Addr
	settings.DbPath = cfg.Relay.DbPath
	settings.MaxUploadSize = int64(cfg.Relay.MaxUploadMb) * 1024 * 1024
	settings.Hub.AllowedOrigins = cfg.Relay.AllowedOrigins
	if addr, err := opts.String("--addr"); err == nil {
		settings.Addr = addr
	}
	if dbPath, err := opts.String("--db"); err == nil {
		settings.DbPath = dbPath
	}

	ctx, cancel := interruptContext()
	defer cancel()

	server, err := relay.NewServer(ctx, settings)
	if err != nil {
		Err.Fatalf("Error creating relay: %v", err)
	}

	errorCallback := func(err error) {
		Err.Printf("Error running relay: %v", err)
		cancel()
	}
	if err := server.Start(errorCallback); err != nil {
		Err.Printf("Error starting relay: %v", err)
		cancel()
	}

	// close/stop everything
	<-ctx.Done()
	Out.Printf("Exiting...")
	if err := server.Stop(); err != nil {
		Err.Printf("Error stopping relay: %v", err)
	}
}

// a repeated option parses as a list, a single one as a string
func stringValues(opts docopt.Opts, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return []string{}
	}
}

func parseRooms(values []string) []bus.Room {
	rooms := []bus.Room{}
	for _, value := range values {
		room, err := bus.ParseRoom(value)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		rooms = append(rooms, room)
	}
	return rooms
}

// follow notifications, chat and the comments of the given rooms until interrupted
func watch(opts docopt.Opts, cfg *config.Config) {
	rooms := parseRooms(stringValues(opts, "--room"))

	ctx, cancel := interruptContext()
	defer cancel()

	s, _ := newSession(ctx, cfg)
	defer s.Close()

	styles := newStyles()

	printer := newWatchPrinter(styles, func(line string) {
		Out.Printf("%s", line)
	})
	s.Notifications().AddChangeCallback(func() {
		printer.notifications(s.Notifications().Notifications)
	})
	s.Comments().AddChangeCallback(func(room bus.Room) {
		printer.comments(room, func() []comment.Comment {
			return s.Comments().Comments(room)
		})
	})
	s.ChatLog().AddChangeCallback(func() {
		printer.chat(s.ChatLog().Messages)
	})

	s.Bus().AddConnectionCallback(func(connected bool) {
		if connected {
			Out.Printf("%s", styles.muted.Render("connected"))
		} else {
			Out.Printf("%s", styles.muted.Render("disconnected"))
		}
	})

	if err := s.Connect(); err != nil {
		Err.Fatalf("%s", err)
	}
	for _, room := range rooms {
		if err := s.OpenRoom(room); err != nil {
			Err.Printf("%s", err)
		}
	}

	<-ctx.Done()
}

// post a comment over the bus and wait for the relay to confirm it
func postComment(opts docopt.Opts, cfg *config.Config) {
	rooms := parseRooms(stringValues(opts, "--room"))
	if len(rooms) != 1 {
		Err.Fatalf("Exactly one room is required.")
	}
	room := rooms[0]
	text, _ := opts.String("<text>")
	fileId, _ := opts.String("--file")

	ctx, cancel := interruptContext()
	defer cancel()

	s, busUrl := newSession(ctx, cfg)
	defer s.Close()

	connected := make(chan struct{}, 1)
	s.Bus().AddConnectionCallback(func(c bool) {
		if c {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	s.Connect()
	select {
	case <-connected:
	case <-ctx.Done():
		return
	case <-time.After(confirmTimeout):
		Err.Fatalf("Could not connect to %s", busUrl)
	}

	// the room is joined so the confirmation is delivered here
	s.Comments().OpenRoom(room)
	if err := s.Bus().JoinRoom(room); err != nil {
		Err.Fatalf("%s", err)
	}

	changes := make(chan struct{}, 1)
	s.Comments().AddChangeCallback(func(changedRoom bus.Room) {
		if changedRoom == room {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	})

	posted, err := s.PostComment(room, text, fileId)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	timeout := time.After(confirmTimeout)
	for {
		for _, c := range s.Comments().Comments(room) {
			if c.ClientId == posted.Id && !c.IsOptimistic {
				Out.Printf("Comment %s posted.", c.Id)
				return
			}
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return
		case <-timeout:
			Out.Printf("Comment not confirmed (timeout).")
			return
		}
	}
}

func sendNotification(opts docopt.Opts, cfg *config.Config) {
	title, _ := opts.String("--title")
	notificationType, _ := opts.String("--type")
	message, _ := opts.String("<message>")

	atelierApi := newApi(context.Background(), cfg)
	defer atelierApi.Close()

	result, err := atelierApi.NotifySync(&api.NotifyArgs{
		Title:   title,
		Message: message,
		Type:    notificationType,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("Notification %s sent.", result.Id)
}

func listRecords(opts docopt.Opts, cfg *config.Config) {
	collection, _ := opts.String("<collection>")

	atelierApi := newApi(context.Background(), cfg)
	defer atelierApi.Close()

	records, err := atelierApi.ListRecordsSync(collection)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, record := range records {
		Out.Printf("%s\t%s\t%d files\t%d comments", record.Id, record.Name, len(record.Files), len(record.Comments))
	}
}

func getRecord(opts docopt.Opts, cfg *config.Config) {
	collection, _ := opts.String("<collection>")
	id, _ := opts.String("<id>")

	atelierApi := newApi(context.Background(), cfg)
	defer atelierApi.Close()

	record, err := atelierApi.GetRecordSync(collection, id)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	styles := newStyles()
	Out.Printf("%s", styles.title.Render(record.Name))
	for _, file := range record.Files {
		Out.Printf("  %s\t%s\t%s\t%d bytes", file.Id, file.FileName, file.ContentType, file.Size)
		for _, c := range record.CommentsFor(file.Id) {
			Out.Printf("    %s", styles.comment(bus.NewRoom(collection, id), c))
		}
	}
	for _, c := range record.CommentsFor("") {
		Out.Printf("%s", styles.comment(bus.NewRoom(collection, id), c))
	}
}

func upload(opts docopt.Opts, cfg *config.Config) {
	collection, _ := opts.String("<collection>")
	name, _ := opts.String("--name")
	paths := stringValues(opts, "<path>")

	settings := api.DefaultUploadSettings()
	settings.MaxFileSize = int64(cfg.Relay.MaxUploadMb) * 1024 * 1024

	files := []*api.UploadFile{}
	for _, path := range paths {
		file, err := api.NewUploadFileFromPath(path, settings)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		files = append(files, file)
	}

	atelierApi := newApi(context.Background(), cfg)
	defer atelierApi.Close()

	record, err := atelierApi.CreateRecordSync(collection, name, files...)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("Created %s %s with %d files.", collection, record.Id, len(record.Files))
}

func getFile(opts docopt.Opts, cfg *config.Config) {
	fileId, _ := opts.String("<file_id>")

	atelierApi := newApi(context.Background(), cfg)
	defer atelierApi.Close()

	content, err := atelierApi.GetFileSync(fileId)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if out, err := opts.String("--out"); err == nil {
		if err := os.WriteFile(out, content.Data, 0644); err != nil {
			Err.Fatalf("%s", err)
		}
		Out.Printf("Wrote %s (%s, %d bytes).", out, content.ContentType, len(content.Data))
		return
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		Err.Fatalf("Refusing to write %s to a terminal. Use --out.", content.ContentType)
	}
	os.Stdout.Write(content.Data)
}

type styles struct {
	title  lipgloss.Style
	muted  lipgloss.Style
	author lipgloss.Style
	types  map[notify.NotificationType]lipgloss.Style
}

// plain text when stdout is not a terminal
func newStyles() *styles {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return newPlainStyles()
	}
	return &styles{
		title:  lipgloss.NewStyle().Bold(true),
		muted:  lipgloss.NewStyle().Faint(true),
		author: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		types: map[notify.NotificationType]lipgloss.Style{
			notify.TypeInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
			notify.TypePending: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
			notify.TypeSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
			notify.TypeError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		},
	}
}

func newPlainStyles() *styles {
	plain := lipgloss.NewStyle()
	return &styles{
		title:  plain,
		muted:  plain,
		author: plain,
		types:  map[notify.NotificationType]lipgloss.Style{},
	}
}

func (self *styles) notification(n notify.Notification) string {
	style, ok := self.types[n.Type]
	if !ok {
		style = lipgloss.NewStyle()
	}
	return fmt.Sprintf(
		"%s %s %s",
		self.muted.Render(n.Timestamp.Local().Format(time.Kitchen)),
		style.Render(fmt.Sprintf("[%s] %s", n.Type, n.Title)),
		n.Message,
	)
}

func (self *styles) comment(room bus.Room, c comment.Comment) string {
	return fmt.Sprintf(
		"%s %s %s: %s",
		self.muted.Render(c.Timestamp.Local().Format(time.Kitchen)),
		self.muted.Render(room.Name()),
		self.author.Render(c.Author),
		c.Body,
	)
}

func (self *styles) chat(m comment.ChatMessage) string {
	return fmt.Sprintf(
		"%s %s %s: %s",
		self.muted.Render(m.Time.Local().Format(time.Kitchen)),
		self.muted.Render("chat"),
		self.author.Render(m.Sender),
		m.Message,
	)
}
