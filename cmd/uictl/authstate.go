package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newAuthStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth-state",
		Short: "Manage per-project browser auth state",
	}

	cmd.AddCommand(newAuthStateInfoCmd())
	cmd.AddCommand(newAuthStateUploadCmd())
	cmd.AddCommand(newAuthStateDeleteCmd())
	cmd.AddCommand(newAuthStateCaptureCmd())
	cmd.AddCommand(newAuthStateCaptureCommandCmd("save", "Store the capture browser's state and close it"))
	cmd.AddCommand(newAuthStateCaptureCommandCmd("cancel", "Close the capture browser without saving"))
	return cmd
}

func authStatePath(projectID string) string {
	return fmt.Sprintf("/api/v1/projects/%s/auth-state", projectID)
}

func newAuthStateInfoCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a project's stored auth state and capture session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.Get(authStatePath(projectID), nil)
			if err != nil {
				return err
			}

			if flagJSON {
				var raw json.RawMessage
				json.Unmarshal(body, &raw)
				printJSON(raw)
				return nil
			}

			var r AuthStateResponse
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			printFields([][2]string{
				{"Exists", strconv.FormatBool(r.Exists)},
				{"Cookies", strconv.Itoa(r.CookiesCount)},
				{"Origins", strconv.Itoa(r.OriginsCount)},
				{"Size", strconv.FormatInt(r.SizeBytes, 10)},
				{"Modified", formatTime(r.ModifiedTime)},
				{"Capture Session", strconv.FormatBool(r.Capture.HasSession)},
				{"Capture Ready", strconv.FormatBool(r.Capture.Ready)},
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	return cmd
}

func newAuthStateUploadCmd() *cobra.Command {
	var projectID, file string

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Replace a project's auth state with a storage state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}

			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.PutRaw(authStatePath(projectID), data)
			if err != nil {
				return err
			}
			return printSaveResult(body)
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().StringVar(&file, "file", "", "Storage state JSON file (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newAuthStateDeleteCmd() *cobra.Command {
	var projectID string
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project's auth state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmAction(fmt.Sprintf("Delete auth state of project %s?", projectID), yes) {
				printMessage("Aborted")
				return nil
			}

			client, err := getClient()
			if err != nil {
				return err
			}

			if _, err := client.Delete(authStatePath(projectID)); err != nil {
				return err
			}
			printMessage("Auth state deleted")
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func newAuthStateCaptureCmd() *cobra.Command {
	var projectID, loginURL string

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Open a capture browser on the login page",
		Long:  "Opens a browser on the server at the login page. Sign in there, then run 'auth-state save' with the printed handle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.Post(authStatePath(projectID)+"/capture", StartCaptureRequest{LoginURL: loginURL})
			if err != nil {
				return err
			}

			var resp StartCaptureResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			if flagJSON {
				printJSON(resp)
				return nil
			}
			printMessage("Capture browser started. Sign in, then run:")
			printMessage(fmt.Sprintf("  uictl auth-state save --project-id %s --handle %s", projectID, resp.Handle))
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().StringVar(&loginURL, "login-url", "", "Login page URL (required)")
	cmd.MarkFlagRequired("login-url")
	return cmd
}

func newAuthStateCaptureCommandCmd(name, short string) *cobra.Command {
	var projectID, handle string

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}

			body, err := client.Post(authStatePath(projectID)+"/capture/"+name, CaptureCommandRequest{Handle: handle})
			if err != nil {
				return err
			}

			if name == "save" {
				return printSaveResult(body)
			}
			printMessage("Capture session cancelled")
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project-id", "", "Project ID (required)")
	cmd.MarkFlagRequired("project-id")
	cmd.Flags().StringVar(&handle, "handle", "", "Handle printed by 'auth-state capture' (required)")
	cmd.MarkFlagRequired("handle")
	return cmd
}

func printSaveResult(body []byte) error {
	if flagJSON {
		var raw json.RawMessage
		json.Unmarshal(body, &raw)
		printJSON(raw)
		return nil
	}

	var r SaveResultResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	printMessage(fmt.Sprintf("%s (cookies: %d, origins: %d)", r.Message, r.CookiesCount, r.OriginsCount))
	return nil
}
