package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/client"
	"github.com/Vovarama1992/storefront-support/internal/widget"
)

type clientFlags struct {
	api   string
	token string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.api, "api", "", "support API base URL (default API_URL)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token (default API_TOKEN)")
}

func (f *clientFlags) client() (*client.Client, error) {
	base, token := f.api, f.token
	if base == "" {
		base = cfg.APIURL
	}
	if token == "" {
		token = cfg.APIToken
	}
	if token == "" {
		return nil, errors.New("no token: pass --token or set API_TOKEN (see `support token`)")
	}
	return client.New(strings.TrimRight(base, "/"), token), nil
}

var roleLabels = map[chat.Role]string{
	chat.RoleCustomer: "Вы",
	chat.RoleBot:      "Бот",
	chat.RoleEmployee: "Сотрудник",
}

func chatCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to support as a customer (/human asks for an employee, /quit exits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := flags.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, api, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.bind(cmd)
	return cmd
}

// chatView prints whatever the widget added since the last render.
type chatView struct {
	mu      sync.Mutex
	out     io.Writer
	w       *widget.Widget
	printed int
	waiting bool
	offered bool
}

func (v *chatView) render() {
	v.mu.Lock()
	defer v.mu.Unlock()

	msgs := v.w.Transcript()
	for _, m := range msgs[min(v.printed, len(msgs)):] {
		// свои сообщения уже видны в строке ввода
		if m.Role != chat.RoleCustomer {
			fmt.Fprintf(v.out, "[%s] %s\n", roleLabels[m.Role], m.Content)
		}
	}
	v.printed = len(msgs)

	for _, n := range v.w.TakeNotices() {
		fmt.Fprintf(v.out, "* %s\n", n)
	}
	if w := v.w.Waiting(); w && !v.waiting {
		fmt.Fprintln(v.out, "* Ожидаем подключения сотрудника...")
	}
	v.waiting = v.w.Waiting()

	if o := v.w.OfferHuman(); o && !v.offered {
		fmt.Fprintln(v.out, "* /human - связаться с сотрудником")
	}
	v.offered = v.w.OfferHuman()
}

func runChat(ctx context.Context, api *client.Client, in io.Reader, out io.Writer) error {
	me, err := api.Me(ctx)
	if err != nil {
		return err
	}

	view := &chatView{out: out}
	w := widget.New(api, api, api, widget.Options{UserID: me.UserID, OnChange: view.render})
	view.w = w
	defer w.Close()

	w.Open()
	fmt.Fprintln(out, "[Бот] Здравствуйте! Чем могу помочь?")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/human":
				if err := w.Escalate(ctx); errors.Is(err, widget.ErrNoSession) {
					fmt.Fprintln(out, "* Сначала задайте вопрос")
				}
			default:
				if err := w.Send(ctx, line); errors.Is(err, widget.ErrInputDisabled) {
					fmt.Fprintln(out, "* Ожидаем подключения сотрудника...")
				}
			}
		}
	}
}
