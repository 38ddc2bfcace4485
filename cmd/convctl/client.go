package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"convcore/internal/session"

	"github.com/coder/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRegisterCmd() *cobra.Command {
	var baseURL, tok, name, publicKey string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the token's device with its public key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := json.Marshal(map[string]string{"name": name, "publicKey": publicKey})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/devices", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+tok)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "register device")
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode != http.StatusCreated {
				return errors.Errorf("register device: %s: %s", resp.Status, strings.TrimSpace(string(out)))
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "url", "http://localhost:8085", "service base URL")
	f.StringVar(&tok, "token", "", "access token")
	f.StringVar(&name, "name", "convctl", "device name")
	f.StringVar(&publicKey, "public-key", "", "base64 X25519 device public key")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}

func newListenCmd() *cobra.Command {
	var wsURL, tok string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect a device socket and print every event until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return listen(ctx, wsURL, tok, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&wsURL, "url", "ws://localhost:8085/ws", "socket URL")
	f.StringVar(&tok, "token", "", "access token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func listen(ctx context.Context, wsURL, tok string, out io.Writer) error {
	hdr := http.Header{}
	hdr.Set("Cookie", (&http.Cookie{Name: session.CookieName, Value: tok}).String())
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	cancel()
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if s := websocket.CloseStatus(err); s != -1 {
				return errors.Errorf("socket closed: %d", s)
			}
			return errors.Wrap(err, "read")
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return err
		}
	}
}
