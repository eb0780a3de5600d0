package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/kadirpekel/manifold/pkg/client"
	"github.com/kadirpekel/manifold/pkg/protocol"
	"github.com/kadirpekel/manifold/pkg/tokens"
)

// historyTokenBudget bounds interactive history growth. Old turns are
// dropped, most recent first kept; the system instruction survives.
const historyTokenBudget = 32768

// ChatCmd sends a chat request through a provider manifest. With a
// prompt argument (or piped stdin) it runs one shot; on a terminal
// with no prompt it starts an interactive session.
type ChatCmd struct {
	Model  string   `arg:"" help:"Provider/model id, e.g. openai/gpt-4o."`
	Prompt []string `arg:"" optional:"" help:"Prompt text. Read from stdin when omitted and piped."`

	System      string   `short:"s" help:"System instruction."`
	Temperature float64  `help:"Sampling temperature." default:"-1"`
	MaxTokens   int      `name:"max-tokens" help:"Completion token cap."`
	Stream      *bool    `default:"true" negatable:"" help:"Stream the response (use --no-stream to disable)."`
	Fallbacks   []string `help:"Fallback provider/model ids, tried in order." placeholder:"ID,..."`
	BaseDir     string   `name:"base-dir" help:"Protocol tree root." type:"path"`
	BaseURL     string   `name:"base-url" help:"Override the provider's endpoint base URL."`
	Strict      bool     `help:"Reject manifests with incomplete streaming declarations."`
	Stats       bool     `help:"Print call statistics to stderr after the reply."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []client.Option{}
	if c.BaseDir != "" {
		opts = append(opts, client.WithBaseDir(c.BaseDir))
	}
	if c.BaseURL != "" {
		opts = append(opts, client.WithBaseURL(c.BaseURL))
	}
	if len(c.Fallbacks) > 0 {
		opts = append(opts, client.WithFallbacks(c.Fallbacks...))
	}
	if c.Strict {
		opts = append(opts, client.WithStrictStreaming())
	}
	cl, err := client.New(c.Model, opts...)
	if err != nil {
		return err
	}
	defer cl.Close()

	prompt := strings.Join(c.Prompt, " ")
	onTerminal := term.IsTerminal(int(os.Stdin.Fd()))
	if prompt == "" && !onTerminal {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(raw))
	}
	if prompt == "" {
		if !onTerminal {
			return fmt.Errorf("empty prompt")
		}
		return c.interactive(ctx, cl)
	}

	var history []protocol.Message
	if c.System != "" {
		history = append(history, protocol.NewSystemMessage(c.System))
	}
	history = append(history, protocol.NewUserMessage(prompt))
	_, err = c.send(ctx, cl, history)
	return err
}

// interactive runs a REPL that keeps conversation history across turns.
func (c *ChatCmd) interactive(ctx context.Context, cl *client.Client) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("Chatting with %s. Type /quit to exit, /clear to reset history.\n\n", c.Model)

	counter := tokens.ForModel(c.Model)
	var history []protocol.Message
	if c.System != "" {
		history = append(history, protocol.NewSystemMessage(c.System))
	}
	base := len(history)

	for ctx.Err() == nil {
		fmt.Print("you> ")
		input, err := reader.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		switch input {
		case "/quit", "/exit":
			return nil
		case "/clear":
			history = history[:base]
			fmt.Println("history cleared")
			continue
		}

		history = append(history, protocol.NewUserMessage(input))
		history = append(history[:base],
			tokens.FitWithinLimit(counter, history[base:], historyTokenBudget)...)

		reply, err := c.send(ctx, cl, history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, protocol.NewAssistantMessage(reply))
	}
	return nil
}

func (c *ChatCmd) send(ctx context.Context, cl *client.Client, history []protocol.Message) (string, error) {
	req := &protocol.Request{Messages: history}
	if c.Temperature >= 0 {
		t := c.Temperature
		req.Temperature = &t
	}
	if c.MaxTokens > 0 {
		n := c.MaxTokens
		req.MaxTokens = &n
	}

	if c.Stream == nil || *c.Stream {
		return c.sendStreaming(ctx, cl, req)
	}

	resp, stats, err := cl.InvokeWithStats(ctx, req)
	if err != nil {
		return "", err
	}
	fmt.Println(resp.Content)
	for _, tc := range resp.ToolCalls {
		fmt.Printf("[tool call] %s(%s)\n", tc.Name, tc.Arguments)
	}
	c.printStats(stats)
	return resp.Content, nil
}

func (c *ChatCmd) sendStreaming(ctx context.Context, cl *client.Client, req *protocol.Request) (string, error) {
	events, stats, err := cl.StreamWithStats(ctx, req)
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for ev := range events {
		switch ev.Type {
		case protocol.EventPartialContentDelta:
			fmt.Print(ev.Content)
			reply.WriteString(ev.Content)
		case protocol.EventToolCallCompleted:
			fmt.Printf("\n[tool call] %s(%s)\n", ev.Name, ev.Arguments)
		case protocol.EventStreamEnd:
			fmt.Println()
		case protocol.EventError:
			fmt.Println()
			return reply.String(), fmt.Errorf("%s: %s", ev.Code, ev.Message)
		}
	}
	c.printStats(stats)
	return reply.String(), nil
}

func (c *ChatCmd) printStats(stats *client.CallStats) {
	if !c.Stats || stats == nil {
		return
	}
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
}
