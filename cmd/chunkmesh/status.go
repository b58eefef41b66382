package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/pkg/bytesize"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

var (
	statusURL  string
	statusJSON bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running worker",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().StringVar(&statusURL, "url", "http://127.0.0.1:8000", "worker base URL")
	cmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON status")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(statusURL, "/") + "/status")
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var st proto.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if statusJSON {
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	}
	return printStatus(cmd.OutOrStdout(), st)
}

func printStatus(w io.Writer, st proto.StatusResponse) error {
	var chunks store.Status
	if len(st.Store) > 0 {
		if err := json.Unmarshal(st.Store, &chunks); err != nil {
			return fmt.Errorf("decode store status: %w", err)
		}
	}

	fmt.Fprintln(w, "chunkmesh worker")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "  Worker ID:   %s\n", st.WorkerID)
	fmt.Fprintf(w, "  Version:     %s\n", st.Version)
	if st.Fingerprint != "" {
		fmt.Fprintf(w, "  Key FP:      %s\n", st.Fingerprint)
	}
	if st.AssignmentVersion != nil {
		fmt.Fprintf(w, "  Assignment:  v%d\n", *st.AssignmentVersion)
	} else {
		fmt.Fprintln(w, "  Assignment:  (none received)")
	}
	fmt.Fprintf(w, "  Downloads:   %d queued\n", st.DownloadQueue)
	fmt.Fprintf(w, "  Leases:      %d active\n", chunks.ActiveLeases)
	if v := chunks.Volume; v != nil {
		fmt.Fprintf(w, "  Disk:        %s free of %s\n", bytesize.Format(v.AvailableBytes), bytesize.Format(v.TotalBytes))
	}

	names := make([]string, 0, len(chunks.Datasets))
	for name := range chunks.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ds := chunks.Datasets[name]
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Dataset %s:\n", name)
		fmt.Fprintf(w, "  Chunks:      %d ready, %d downloading, %d wanted, %d evicting\n",
			ds.ReadyChunks, ds.DownloadingChunks, ds.WantedChunks, ds.EvictingChunks)
		fmt.Fprintf(w, "  On disk:     %s\n", bytesize.Format(ds.BytesOnDisk))
		for _, r := range ds.Ranges {
			fmt.Fprintf(w, "  Range:       [%d, %d)\n", r.Begin, r.End)
		}
		for _, f := range ds.Failing {
			state := "gave up"
			if f.Fatal {
				state = "fatal"
			}
			fmt.Fprintf(w, "  Failing:     %s (%s after %d attempts): %s\n", f.Chunk, state, f.Attempts, f.Error)
		}
	}
	return nil
}
