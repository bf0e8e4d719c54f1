package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
)

func newChatCmd() *cobra.Command {
	var leadID, name string
	var memory bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a qualification conversation in the terminal",
		Long: "chat runs the same conversation engine as the server against stdin and stdout. " +
			"Type /status to see collected details and /quit to leave.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), leadID, name, memory)
		},
	}
	cmd.Flags().StringVar(&leadID, "lead-id", "", "resume an existing lead")
	cmd.Flags().StringVar(&name, "name", "", "name to start the conversation with")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep the conversation in memory only")
	return cmd
}

// terminalNotifier prints follow-ups for the lead being chatted with.
type terminalNotifier struct {
	mu     sync.Mutex
	out    io.Writer
	leadID string
}

func (n *terminalNotifier) setLead(leadID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leadID = leadID
}

func (n *terminalNotifier) PushFollowUp(leadID string, msg domain.FollowUpMessage) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if leadID != n.leadID {
		return false
	}
	fmt.Fprintf(n.out, "\nassistant> %s\nyou> ", msg.Message)
	return true
}

func runChat(parent context.Context, in io.Reader, out io.Writer, leadID, name string, memory bool) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(os.Stderr, slog.LevelWarn)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if memory {
		cfg.DBPath = ""
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := &terminalNotifier{out: out}
	a, err := buildApp(ctx, cfg, notifier, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	leadID, reply, err := a.engine.StartConversation(ctx, leadID, name)
	if err != nil {
		return err
	}
	notifier.setLead(leadID)
	a.scheduler.Start(ctx)

	fmt.Fprintf(out, "lead %s\n\nassistant> %s\n", leadID, reply)
	return chatLoop(ctx, a.engine, in, out, leadID)
}

func chatLoop(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, leadID string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "you> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/status":
			st, err := eng.GetStatus(ctx, leadID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "stage=%s status=%s name=%q age=%q country=%q interest=%q missing=%v\n",
				st.Stage, st.Status, st.Slots.Name, st.Slots.Age, st.Slots.Country, st.Slots.Interest, st.MissingFields)
			continue
		}

		r, err := eng.SendMessage(ctx, leadID, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "assistant> %s\n", r.Reply)
	}
}
