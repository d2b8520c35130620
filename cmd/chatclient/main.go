package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dmchat/internal/client"
	"dmchat/internal/live"
	"dmchat/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "chatclient",
		Usage: "terminal client for a dmchat server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:5000", EnvVars: []string{"DMCHAT_SERVER"}},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, EnvVars: []string{"DMCHAT_USER"}},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true, EnvVars: []string{"DMCHAT_PASSWORD"}},
			&cli.BoolFlag{Name: "debug", EnvVars: []string{"DMCHAT_DEBUG"}},
		},
		Commands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "stay connected and print presence and incoming messages",
				Action: watch,
			},
			{
				Name:      "send",
				Usage:     "send a message",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "to", Required: true},
					&cli.StringFlag{Name: "image"},
				},
				Action: send,
			},
			{
				Name:  "history",
				Usage: "print the conversation with a user",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "with", Required: true},
				},
				Action: history,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type session struct {
	*client.Session
	engine *client.Engine
	server string
	log    *zap.Logger
}

func open(c *cli.Context) (*session, error) {
	server := strings.TrimRight(c.String("server"), "/")
	sess, err := client.Login(c.Context, server, c.String("user"), c.String("password"))
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	log := logging.New(c.Bool("debug"))
	engine := client.NewEngine(
		client.NewHTTPAPI(server, sess.AccessToken),
		sess.User.ID,
		client.WithLogger(log),
		client.WithNotifier(client.NotifierFunc(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		})),
	)
	return &session{Session: sess, engine: engine, server: server, log: log}, nil
}

func (s *session) wsURL() string {
	switch {
	case strings.HasPrefix(s.server, "https://"):
		return "wss://" + strings.TrimPrefix(s.server, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(s.server, "http://") + "/ws"
	}
}

// printer echoes live events after the engine has applied them.
type printer struct {
	*client.Engine
	out io.Writer
}

func (p printer) HandleEvent(ev *live.Event) {
	p.Engine.HandleEvent(ev)
	switch ev.Name {
	case live.EventOnlineUsers:
		fmt.Fprintf(p.out, "online: %v\n", p.OnlineIDs())
	case live.EventNewMessage:
		var m client.Message
		if ev.Decode(&m) == nil {
			fmt.Fprintf(p.out, "[%d] %s (unseen from %d: %d)\n", m.SenderID, m.Text, m.SenderID, p.Unseen(m.SenderID))
		}
	}
}

func (p printer) SetState(st client.State) {
	p.Engine.SetState(st)
	fmt.Fprintf(p.out, "-- %s\n", st)
}

func watch(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	if err := s.engine.LoadSidebar(c.Context); err != nil {
		return err
	}
	for _, p := range s.engine.Peers() {
		fmt.Printf("%-20s id=%d unseen=%d\n", p.Username, p.ID, s.engine.Unseen(p.ID))
	}

	transport := client.NewTransport(s.wsURL(), s.AccessToken, client.WithTransportLogger(s.log))
	return transport.Run(c.Context, printer{Engine: s.engine, out: os.Stdout})
}

func send(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	var image *string
	if img := c.String("image"); img != "" {
		image = &img
	}
	s, err := open(c)
	if err != nil {
		return err
	}
	if err := s.engine.Focus(c.Context, c.Int64("to")); err != nil {
		return err
	}
	m, err := s.engine.Send(c.Context, text, image)
	if err != nil {
		return err
	}
	s.engine.Wait()
	fmt.Printf("sent #%d at %s\n", m.ID, m.CreatedAt.Local().Format("15:04:05"))
	return nil
}

func history(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	if err := s.engine.Focus(c.Context, c.Int64("with")); err != nil {
		return err
	}
	s.engine.Wait()
	for _, m := range s.engine.Conversation() {
		who := "them"
		if m.SenderID == s.User.ID {
			who = "me"
		}
		line := m.Text
		if m.Image != nil {
			line = strings.TrimSpace(line + " " + *m.Image)
		}
		fmt.Printf("%s  %-4s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, line)
	}
	return nil
}
