package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	flagSendSOS bool
	flagSendTo  string
)

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a message through a running node",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		path := "/api/send"
		body := map[string]string{"text": text}
		switch {
		case flagSendSOS && flagSendTo != "":
			return fmt.Errorf("--sos and --to are mutually exclusive")
		case flagSendSOS:
			path = "/api/sos"
		case flagSendTo != "":
			path = "/api/direct"
			body["code"] = flagSendTo
		}

		resp, err := postAPI(path, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("node refused send: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
		}

		var msg struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return err
		}
		fmt.Printf("sent %s: %q\n", msg.ID, msg.Content)
		return nil
	},
}

func postAPI(path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return http.Post(flagAPI+path, "application/json", bytes.NewReader(raw))
}

func init() {
	sendCmd.Flags().BoolVar(&flagSendSOS, "sos", false, "send as SOS beacon")
	sendCmd.Flags().StringVar(&flagSendTo, "to", "", "friend code for a directed message")
	rootCmd.AddCommand(sendCmd)
}
