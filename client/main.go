package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type LoginResponse struct {
	Token string `json:"token"`
}

type MessageView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"deleted"`
}

type options struct {
	gatewayAddr string
	apiAddr     string
	userID      string
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}

	return loginResp.Token, nil
}

func history(apiAddr, token, channelID string, limit int, before string) ([]MessageView, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != "" {
		q.Set("before", before)
	}
	u := apiAddr + "/api/channels/" + url.PathEscape(channelID) + "/messages?" + q.Encode()

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("history failed (%d): %s", resp.StatusCode, body)
	}
	var out []MessageView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chat",
		Short:         "Command line chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.gatewayAddr, "addr", "localhost:8080", "gateway service address")
	root.PersistentFlags().StringVar(&opts.apiAddr, "api", "http://localhost:8081", "api service address")
	root.PersistentFlags().StringVar(&opts.userID, "user", "user1", "user id")

	root.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Print a token for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := login(opts.apiAddr, opts.userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})

	var (
		limit  int
		before string
	)
	historyCmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Print recent messages of a channel, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := login(opts.apiAddr, opts.userID)
			if err != nil {
				return err
			}
			messages, err := history(opts.apiAddr, token, args[0], limit, before)
			if err != nil {
				return err
			}
			for i := len(messages) - 1; i >= 0; i-- {
				fmt.Fprintln(cmd.OutOrStdout(), formatHistory(messages[i]))
			}
			return nil
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 50, "number of messages")
	historyCmd.Flags().StringVar(&before, "before", "", "message id or RFC3339 time to page back from")
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "chat [channel]",
		Short: "Join a channel and chat interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := "general"
			if len(args) == 1 {
				channelID = args[0]
			}
			return chat(cmd.Context(), opts, channelID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	})
	return root
}

func formatHistory(m MessageView) string {
	content := m.Content
	if m.Deleted {
		content = "(deleted)"
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Username, content)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
