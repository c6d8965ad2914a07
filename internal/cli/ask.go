package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	askServer   string
	askStream   bool
	askInterval time.Duration
	askTimeout  time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a message to a running server and wait for the answer",
	Long: `Submit a chat message to a running "asyncchat serve" and poll until the
answer is ready. With --stream the partial answer is printed as it grows.

Examples:
  asyncchat ask "how was your day?"
  asyncchat ask --stream "tell me a story"
  asyncchat ask --server http://10.0.0.5:10001 "hello"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askServer, "server", "http://localhost:10001", "server base URL")
	askCmd.Flags().BoolVarP(&askStream, "stream", "s", false, "print the answer while it is generated")
	askCmd.Flags().DurationVar(&askInterval, "interval", 200*time.Millisecond, "poll interval")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 3*time.Minute, "give up after this long")
}

type taskStatus struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Error  string `json:"error"`
	Result struct {
		Text   string `json:"current_text"`
		Answer string `json:"answer"`
		Error  string `json:"error"`
	} `json:"result"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	base := strings.TrimRight(askServer, "/")
	path := "/ask/async"
	if askStream {
		path = "/ask/stream"
	}
	body, _ := json.Marshal(map[string]string{"message": args[0]})

	var submitted taskStatus
	if err := doJSON(ctx, http.MethodPost, base+path, body, &submitted); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	logger.Debug("task submitted", "task_id", submitted.TaskID)

	out := cmd.OutOrStdout()
	printed := 0
	ticker := time.NewTicker(askInterval)
	defer ticker.Stop()
	for {
		var st taskStatus
		if err := doJSON(ctx, http.MethodGet, base+"/task/"+submitted.TaskID, nil, &st); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		switch st.State {
		case "STREAMING":
			if askStream && len(st.Result.Text) > printed {
				fmt.Fprint(out, st.Result.Text[printed:])
				printed = len(st.Result.Text)
			}
		case "SUCCESS":
			answer := st.Result.Answer
			if askStream && printed <= len(answer) {
				fmt.Fprintln(out, answer[printed:])
			} else {
				fmt.Fprintln(out, answer)
			}
			return nil
		case "FAILURE":
			if printed > 0 {
				fmt.Fprintln(out)
			}
			msg := st.Result.Error
			if msg == "" {
				msg = st.Error
			}
			return fmt.Errorf("task %s failed: %s", st.TaskID, msg)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("task %s: %w", submitted.TaskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// doJSON sends body (if any) and decodes a JSON response into out. Non-2xx
// responses are errors.
func doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return errors.New("task not found")
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, e.Error)
	}
	return json.Unmarshal(data, out)
}
