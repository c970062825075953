package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/counsel/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send a message into the decision conversation",
	Long: `Send a message into the decision conversation.

Without --decision the message goes to the active decision; if none is
active a new decision is started from the message.

Examples:
  counsel ask "I need to pick a laptop for video editing"
  counsel ask "budget is $2000, prefer macOS"
  counsel ask --decision 3f2a1b0c "what about battery life?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		decisionID, _ := cmd.Flags().GetString("decision")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"message": message}
		if decisionID != "" {
			body["decision_id"] = decisionID
		}

		resp, err := client.post(cmd.Context(), "/turn", body)
		if err != nil {
			return err
		}

		var result struct {
			DecisionID string `json:"decision_id"`
			Stage      string `json:"stage"`
			Reply      string `json:"reply"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Reply)
		printStatus("Decision", "%s (%s)", shortID(result.DecisionID), result.Stage)
		return nil
	},
}

func init() {
	askCmd.Flags().String("decision", "", "decision ID (default: the active decision)")
}

// --- new ---

var newCmd = &cobra.Command{
	Use:   "new <goal>",
	Short: "Start a new decision",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/decisions", map[string]any{"goal": goal})
		if err != nil {
			return err
		}

		var d struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		printSuccess("Started decision %s: %s", shortID(d.ID), d.Title)
		return nil
	},
}

// --- decisions ---

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List or inspect decisions",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/decisions")
		if err != nil {
			return err
		}

		var decisions []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &decisions); err != nil {
			return err
		}

		if len(decisions) == 0 {
			fmt.Println("No decisions found.")
			return nil
		}

		for _, d := range decisions {
			fmt.Printf("%s  %-9s  %s  %s\n",
				colorize(colorCyan, shortID(d.ID)),
				d.Status,
				d.CreatedAt,
				d.Title,
			)
		}
		return nil
	},
}

var decisionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single decision as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/decisions/"+args[0])
		if err != nil {
			return err
		}

		var decision any
		if err := decodeJSON(resp, &decision); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

func init() {
	decisionsCmd.AddCommand(decisionsListCmd)
	decisionsCmd.AddCommand(decisionsShowCmd)
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources <decision-id>",
	Short: "List the sources consulted for a decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/decisions/"+args[0]+"/sources")
		if err != nil {
			return err
		}

		var sources []struct {
			Title        string `json:"title"`
			URL          string `json:"url"`
			UserProvided bool   `json:"user_provided"`
			FetchedAt    string `json:"fetched_at"`
		}
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}

		if len(sources) == 0 {
			fmt.Println("No sources recorded.")
			return nil
		}

		for i, s := range sources {
			label := s.URL
			if s.Title != "" {
				label = fmt.Sprintf("%s — %s", s.Title, s.URL)
			}
			if s.UserProvided {
				label += colorize(colorYellow, " (user-provided)")
			}
			fmt.Printf("%2d. %s\n", i+1, label)
		}
		return nil
	},
}

// --- complete ---

var completeCmd = &cobra.Command{
	Use:   "complete <decision-id>",
	Short: "Complete a decision and record it for future recall",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/decisions/"+args[0]+"/complete", nil)
		if err != nil {
			return err
		}

		var record struct {
			Title             string `json:"title"`
			RecommendedOption string `json:"recommended_option"`
			Confidence        string `json:"confidence"`
			Rationale         string `json:"rationale"`
		}
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}

		printSuccess("Decision completed: %s", record.Title)
		printStatus("Recommended", "%s", record.RecommendedOption)
		printStatus("Confidence", "%s", record.Confidence)
		if record.Rationale != "" {
			fmt.Println(record.Rationale)
		}
		return nil
	},
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory <query>",
	Short: "Search past completed decisions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/memory?q="+url.QueryEscape(query))
		if err != nil {
			return err
		}

		var snippets []struct {
			Title             string `json:"title"`
			RecommendedOption string `json:"recommended_option"`
			Rationale         string `json:"rationale"`
			Confidence        string `json:"confidence"`
			Score             int    `json:"score"`
		}
		if err := decodeJSON(resp, &snippets); err != nil {
			return err
		}

		if len(snippets) == 0 {
			fmt.Println("No matching decisions found.")
			return nil
		}

		for i, s := range snippets {
			fmt.Printf("\n%s [score: %d]\n", colorize(colorBold, fmt.Sprintf("Result %d: %s", i+1, s.Title)), s.Score)
			fmt.Printf("  Recommended: %s (%s confidence)\n", s.RecommendedOption, s.Confidence)
			rationale := s.Rationale
			if len(rationale) > 300 {
				rationale = rationale[:300] + "..."
			}
			if rationale != "" {
				fmt.Printf("  %s\n", rationale)
			}
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
