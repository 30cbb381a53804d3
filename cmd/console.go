package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/client"
	"github.com/Vovarama1992/storefront-support/internal/console"
)

const consoleHelp = `/list            обращения
/open <n>        открыть обращение
/back            к списку
/resolve         завершить открытое обращение
/export [файл]   выгрузить переписку в xlsx
/quit            выход
любой другой текст уходит клиенту в открытом обращении`

func consoleCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Employee console: escalated chats, replies, resolve, export",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := flags.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConsole(ctx, api, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.bind(cmd)
	return cmd
}

var staffRoleLabels = map[chat.Role]string{
	chat.RoleCustomer: "Клиент",
	chat.RoleBot:      "Бот",
	chat.RoleEmployee: "Вы",
}

var statusLabels = map[chat.Status]string{
	chat.StatusActive:    "Активен",
	chat.StatusEscalated: "Требует внимания",
	chat.StatusResolved:  "Завершен",
}

type consoleView struct {
	mu      sync.Mutex
	out     io.Writer
	c       *console.Console
	session string
	printed int
	listed  string
}

func (v *consoleView) render() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, n := range v.c.TakeNotices() {
		fmt.Fprintf(v.out, "* %s\n", n)
	}

	if sel := v.c.Selected(); sel != "" {
		if sel != v.session {
			v.session, v.printed = sel, 0
			fmt.Fprintf(v.out, "--- обращение %s ---\n", sel)
		}
		msgs := v.c.Messages()
		for _, m := range msgs[min(v.printed, len(msgs)):] {
			fmt.Fprintf(v.out, "%s [%s] %s\n", m.CreatedAt.Local().Format("15:04"), staffRoleLabels[m.Role], m.Content)
		}
		v.printed = len(msgs)
		return
	}
	v.session = ""

	// список печатается заново только если изменился
	var b strings.Builder
	list := v.c.Sessions()
	if len(list) == 0 {
		b.WriteString("Нет активных обращений\n")
	}
	for i, s := range list {
		fmt.Fprintf(&b, "%2d. %s <%s>  %s  %s\n", i+1, s.DisplayName, s.Email, statusLabels[s.Status], s.CreatedAt.Local().Format("02.01.2006 15:04"))
		if s.LastMessage != nil {
			fmt.Fprintf(&b, "    %s\n", short(s.LastMessage.Content, 80))
		}
	}
	if b.String() != v.listed {
		v.listed = b.String()
		fmt.Fprint(v.out, "=== Чаты с клиентами ===\n"+v.listed)
	}
}

func (v *consoleView) forceList() {
	v.mu.Lock()
	v.listed = ""
	v.mu.Unlock()
	v.render()
}

func short(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

func runConsole(ctx context.Context, api *client.Client, in io.Reader, out io.Writer) error {
	view := &consoleView{out: out}
	c := console.New(api, api, console.Options{OnChange: view.render})
	view.c = c
	defer c.Close()

	if err := c.Gate(ctx); err != nil {
		view.render()
		return err
	}
	fmt.Fprintln(out, consoleHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "":
		case "/quit":
			return nil
		case "/help":
			fmt.Fprintln(out, consoleHelp)
		case "/list":
			err = c.Reload(ctx)
			view.forceList()
		case "/open":
			err = openByIndex(ctx, c, arg)
		case "/back":
			err = c.Back(ctx)
			view.forceList()
		case "/resolve":
			err = c.Resolve(ctx)
			view.forceList()
		case "/export":
			err = exportTranscript(ctx, c, out, strings.TrimSpace(arg))
		default:
			err = c.Send(ctx, line)
		}

		if errors.Is(err, console.ErrNoSelection) {
			fmt.Fprintln(out, "* Сначала откройте обращение: /open <n>")
		} else if err != nil {
			fmt.Fprintf(out, "* %v\n", err)
		}
	}
}

func openByIndex(ctx context.Context, c *console.Console, arg string) error {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	list := c.Sessions()
	if err != nil || n < 1 || n > len(list) {
		return fmt.Errorf("нет обращения с номером %q", arg)
	}
	return c.Open(ctx, list[n-1].ID)
}

func exportTranscript(ctx context.Context, c *console.Console, out io.Writer, path string) error {
	exp, err := c.Export(ctx)
	if err != nil {
		return err
	}
	if exp.URL != "" {
		fmt.Fprintf(out, "* Ссылка на выгрузку: %s\n", exp.URL)
		return nil
	}
	if path == "" {
		path = "transcript_" + c.Selected() + ".xlsx"
	}
	if err := os.WriteFile(path, exp.Data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "* Сохранено в %s\n", path)
	return nil
}
