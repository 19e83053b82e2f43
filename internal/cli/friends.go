package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage the friend list of a running node",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(flagAPI + "/api/friends")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("node error: %s", resp.Status)
		}

		var list []struct {
			Code     string `json:"code"`
			Nickname string `json:"nickname"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no friends saved")
			return nil
		}
		for _, f := range list {
			fmt.Printf("%s  %s\n", f.Code, f.Nickname)
		}
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <code> [nickname]",
	Short: "Save a friend and send a friend request over the mesh",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"code": args[0]}
		if len(args) > 1 {
			body["nickname"] = args[1]
		}
		resp, err := postAPI("/api/friends", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("node refused: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
		}
		fmt.Printf("friend request sent to %s\n", strings.ToUpper(args[0]))
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <code>",
	Short: "Remove a saved friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, flagAPI+"/api/friends/"+strings.ToUpper(args[0]), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("node refused: %s", resp.Status)
		}
		fmt.Println("removed")
		return nil
	},
}

func init() {
	friendsCmd.AddCommand(friendsListCmd, friendsAddCmd, friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
}
