package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/judgemyjpeg/jmj/internal/config"
	"github.com/judgemyjpeg/jmj/internal/storage"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline submission queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued submissions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listQueue(cmd.Context(), client, os.Stdout)
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Queue a photo for analysis once the service is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tone, _ := cmd.Flags().GetString("tone")
		language, _ := cmd.Flags().GetString("language")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := enqueueFile(cmd.Context(), client, filepath.Base(args[0]), data, tone, language)
		if err != nil {
			return err
		}
		printSuccess("Queued %s", id)
		return nil
	},
}

var queueRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a submission from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

func init() {
	queueAddCmd.Flags().String("tone", "professional", "analysis tone")
	queueAddCmd.Flags().String("language", "en", "analysis language")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueRmCmd)
}

func listQueue(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/queue")
	if err != nil {
		return err
	}
	var items []storage.QueueItem
	if err := decodeJSON(resp, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENQUEUED\tFILE\tTONE\tLANG\tSIZE\tATTEMPTS")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			it.ID,
			it.EnqueuedAt.Local().Format(time.DateTime),
			it.Metadata.Filename,
			it.Metadata.Tone,
			it.Metadata.Language,
			it.Metadata.SizeBytes,
			it.Attempts,
		)
	}
	return tw.Flush()
}

func enqueueFile(ctx context.Context, client *apiClient, name string, data []byte, tone, language string) (string, error) {
	body := map[string]any{
		"payload": data,
		"metadata": storage.SubmissionMetadata{
			Filename:  name,
			Tone:      tone,
			Language:  language,
			SizeBytes: int64(len(data)),
		},
	}
	resp, err := client.post(ctx, "/queue", body)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the analysis result cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <file>",
	Short: "Show the cached analysis for a photo",
	Long: `Show the cached analysis for a photo. The photo is hashed locally and
looked up together with --tone and --language.

Examples:
  jmj cache get ./sunset.jpg --tone roast --language fr
  jmj cache get --hash 9f86d08... --tone professional`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, _ := cmd.Flags().GetString("hash")
		tone, _ := cmd.Flags().GetString("tone")
		language, _ := cmd.Flags().GetString("language")

		if hash == "" {
			if len(args) == 0 {
				return fmt.Errorf("a file argument or --hash is required")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			hash = contentHash(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		result, err := getCached(cmd.Context(), client, hash, tone, language)
		if err != nil {
			return err
		}
		return writeFormatted(os.Stdout, "json", result)
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a cache entry by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/cache/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove every expired cache entry now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := sweepCache(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Removed %d expired entries", n)
		return nil
	},
}

func init() {
	cacheGetCmd.Flags().String("hash", "", "content hash (skips hashing a file)")
	cacheGetCmd.Flags().String("tone", "", "analysis tone")
	cacheGetCmd.Flags().String("language", "", "analysis language")
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheRmCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
}

// contentHash is the SHA-256 of the photo bytes, hex encoded.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func getCached(ctx context.Context, client *apiClient, hash, tone, language string) (map[string]any, error) {
	q := url.Values{}
	q.Set("hash", hash)
	q.Set("tone", tone)
	q.Set("language", language)

	resp, err := client.get(ctx, "/cache?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func sweepCache(ctx context.Context, client *apiClient) (int, error) {
	resp, err := client.post(ctx, "/cache/sweep", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Removed int `json:"removed"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// --- prefs ---

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read or update user preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a preference value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/preferences/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p storage.Preference
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		fmt.Println(p.Value)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/preferences/"+url.PathEscape(key), map[string]string{"value": value})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listPreferences(cmd.Context(), client, os.Stdout)
	},
}

func init() {
	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsListCmd)
}

func listPreferences(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/preferences")
	if err != nil {
		return err
	}
	var prefs map[string]string
	if err := decodeJSON(resp, &prefs); err != nil {
		return err
	}

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k), prefs[k])
	}
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts for each table",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var st storage.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("output"); format != "text" {
			return writeFormatted(os.Stdout, format, st)
		}
		printStatus("Queue", "%d", st.QueueSize)
		printStatus("Cache", "%d", st.CacheSize)
		printStatus("Preferences", "%d", st.PreferencesSize)
		printStatus("Total", "%d", st.TotalSize)
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
		if format, _ := cmd.Flags().GetString("output"); format != "text" {
			m := make(map[string]string, len(keys))
			for _, k := range keys {
				m[k.Key] = k.Value
			}
			return writeFormatted(os.Stdout, format, m)
		}
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
	statsCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	configShowCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
