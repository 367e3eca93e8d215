package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mirror-relay/relay/internal/console/app"
	"github.com/mirror-relay/relay/internal/console/client"
)

const defaultHTTPBase = "http://127.0.0.1:8890"

func newRootCmd() *cobra.Command {
	var (
		wsURL string
		token string
	)
	cmd := &cobra.Command{
		Use:          "relay-console",
		Short:        "Terminal console for a running relay.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws := client.NewWSClient(wsURL, token)
			api := client.NewHTTPClient(deriveHTTPBase(wsURL), token)

			var p *tea.Program
			m := app.New(ws, api, app.WithRetryHook(func(msg client.WSRetryMsg) {
				if p != nil {
					p.Send(msg)
				}
			}))
			p = tea.NewProgram(m, tea.WithAltScreen())

			_, err := p.Run()
			ws.Close()
			return err
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "ws://127.0.0.1:8890/ws", "Event websocket URL of the relay")
	cmd.Flags().StringVar(&token, "token", "", "Auth token (if the relay requires it)")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws to http://host:port.
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return defaultHTTPBase
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
