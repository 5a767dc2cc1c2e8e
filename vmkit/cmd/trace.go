package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmkit/memtrace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Query a trace database recorded by a previous run",
	Run: func(cmd *cobra.Command, _ []string) {
		db, err := cmd.Flags().GetString("db")
		if err != nil {
			log.Fatalf("failed to get db flag: %v", err)
		}
		if db == "" {
			log.Fatalf("the --db flag is required")
		}

		table, err := cmd.Flags().GetString("table")
		if err != nil {
			log.Fatalf("failed to get table flag: %v", err)
		}

		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			log.Fatalf("failed to get limit flag: %v", err)
		}
		offset, err := cmd.Flags().GetInt("offset")
		if err != nil {
			log.Fatalf("failed to get offset flag: %v", err)
		}

		reader := memtrace.NewReader(db)
		defer reader.Close()

		switch table {
		case "allocation_events":
			reader.MapTable(table, memtrace.AllocationEvent{})
		case "fault_events":
			reader.MapTable(table, memtrace.FaultEvent{})
		default:
			log.Fatalf("unknown table %s, expected allocation_events "+
				"or fault_events", table)
		}

		rows, total, err := reader.Query(cmd.Context(), table,
			memtrace.QueryParams{
				Limit:   limit,
				Offset:  offset,
				OrderBy: "Seq",
			})
		if err != nil {
			log.Fatalf("failed to query the trace database: %v", err)
		}

		for _, row := range rows {
			switch e := row.(type) {
			case *memtrace.AllocationEvent:
				fmt.Printf("%6d %12s start=%#x size=%#x %s\n",
					e.Seq, e.Op, e.Start, e.Size, e.Detail)
			case *memtrace.FaultEvent:
				fmt.Printf("%6d %12s addr=%#x\n", e.Seq, "fault", e.Addr)
			}
		}
		fmt.Printf("%d of %d events shown.\n", len(rows), total)
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)

	traceCmd.Flags().String("db", "",
		"path of the trace database file to query")
	traceCmd.Flags().String("table", "allocation_events",
		"table to query, allocation_events or fault_events")
	traceCmd.Flags().Int("limit", 20, "maximum number of events to show")
	traceCmd.Flags().Int("offset", 0, "number of events to skip")
}
