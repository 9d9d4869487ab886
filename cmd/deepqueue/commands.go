package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/deepqueue/internal/config"
	"github.com/kalambet/deepqueue/internal/events"
	"github.com/kalambet/deepqueue/internal/hookdeck"
	"github.com/kalambet/deepqueue/internal/research"
)

const listQuestionRunes = 80

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <question>",
	Short: "Submit a research question",
	Long: `Submit a research question. The question may be given as several words.

Examples:
  deepqueue submit "How do mRNA vaccines trigger an immune response?"
  deepqueue submit Why is the sky blue`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return fmt.Errorf("question is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/researches", map[string]string{"question": question})
		if err != nil {
			return err
		}

		var rec research.Research
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		if rec.Status == research.StatusPending {
			printWarning("Research %s is pending; check that broker connections are provisioned", rec.ID)
			return nil
		}
		printSuccess("Research %s is %s", rec.ID, rec.Status)
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List research requests, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/researches")
		if err != nil {
			return err
		}

		var body struct {
			Researches []research.Research `json:"researches"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		list := body.Researches
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		printResearchList(cmd.OutOrStdout(), list)
		return nil
	},
}

func printResearchList(w io.Writer, list []research.Research) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No research found.")
		return
	}
	for _, r := range list {
		fmt.Fprintf(w, "%s  %-10s  %s  %s\n",
			colorize(colorCyan, shortID(r.ID)),
			colorize(statusColor(r.Status), string(r.Status)),
			r.CreatedAt.Local().Format(time.DateTime),
			research.Truncate(r.Question, listQuestionRunes),
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a research request as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/researches/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var rec any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the broker delivery timeline of a research request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/researches/"+url.PathEscape(args[0])+"/events")
		if err != nil {
			return err
		}

		var body struct {
			ResearchID string                 `json:"researchId"`
			Events     []events.TimelineEntry `json:"events"`
			Count      int                    `json:"count"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		}
		printTimeline(cmd.OutOrStdout(), body.Events)
		return nil
	},
}

func printTimeline(w io.Writer, timeline []events.TimelineEntry) {
	if len(timeline) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	for _, e := range timeline {
		arrow := colorize(colorCyan, "→ out")
		if e.Type == events.Inbound {
			arrow = colorize(colorGreen, "← in ")
		}
		fmt.Fprintf(w, "%s  %s  %-10s  %s\n",
			e.Timestamp.Local().Format(time.DateTime),
			arrow,
			e.Status,
			e.ID,
		)
	}
}

// --- provision / reset ---

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the broker queue and webhook connections",
	Long: `Create the broker queue and webhook connections, or show them when they
already exist. With --webhook-secret, the provider's webhook signing secret is
bound to the webhook source so the broker verifies provider deliveries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("webhook-secret")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Ensuring broker connections")
		resp, err := client.post(cmd.Context(), "/api/hookdeck/connections", map[string]string{"webhookSecret": secret})
		if err != nil {
			return err
		}

		var conns hookdeck.StoredConnections
		if err := decodeJSON(resp, &conns); err != nil {
			return err
		}

		printConnections(conns)
		if secret != "" {
			printSuccess("Webhook secret bound to source %s", conns.Webhook.SourceID)
		}
		printSuccess("Broker connections ready")
		return nil
	},
}

func printConnections(conns hookdeck.StoredConnections) {
	printStatus("Queue connection", "%s", conns.Queue.ID)
	printStatus("Queue URL", "%s", conns.Queue.SourceURL)
	printStatus("Webhook connection", "%s", conns.Webhook.ID)
	printStatus("Webhook URL", "%s", conns.Webhook.SourceURL)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the cached broker connections",
	Long: `Forget the cached broker connections so the next provision recreates
them. The stored queue credential is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/hookdeck/connections")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Broker connections cleared")
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of research requests to list (0 for all)")
	eventsCmd.Flags().Bool("json", false, "print the raw timeline as JSON")
	provisionCmd.Flags().String("webhook-secret", "", "provider webhook signing secret to bind to the webhook source")
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

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %s\n", colorize(colorBold, config.Path()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", ") + `.
Secrets are read from the environment only.`,
	Args: cobra.ExactArgs(2),
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
