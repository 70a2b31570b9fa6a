package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecdb"
	"github.com/hupe1980/vecdb/distance"
	"github.com/hupe1980/vecdb/internal/config"
	"github.com/hupe1980/vecdb/metadata"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vecdb",
		Short: "Embedded vector database admin tool",
		Long: `vecdb manages the collections of a vecdb database directory.

Configuration is read from ./vecdb.yaml (or --config), VECDB_* environment
variables and flags, lowest to highest priority.`,
		SilenceUsage: true,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newCreateCmd(),
		newDropCmd(),
		newListCmd(),
		newInsertCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newSearchCmd(),
		newFlushCmd(),
		newCompactCmd(),
		newStatsCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// withDB loads the configuration, opens the database, runs fn and closes it.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *vecdb.DB) error) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	opts, err := cfg.Options(ctx)
	if err != nil {
		return err
	}
	db, err := vecdb.Open(cfg.DataDir, opts...)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}
	runErr := fn(ctx, db)
	if err := db.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, _ := cmd.Flags().GetInt("dim")
			metricName, _ := cmd.Flags().GetString("metric")
			metric, err := distance.ParseMetric(metricName)
			if err != nil {
				return err
			}
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				if err := db.CreateCollection(ctx, args[0], dim, metric); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (dim=%d, metric=%s)\n", args[0], dim, metric)
				return nil
			})
		},
	}
	cmd.Flags().Int("dim", 0, "vector dimension")
	cmd.Flags().String("metric", "l2", "distance metric (l2, cosine, dot)")
	_ = cmd.MarkFlagRequired("dim")
	return cmd
}

func newDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <collection>",
		Short: "Drop a collection and delete its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				if err := db.DropCollection(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(_ context.Context, db *vecdb.DB) error {
				for _, name := range db.ListCollections() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newInsertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert <collection>",
		Short: "Insert a record, or records from a YAML file",
		Long: `Insert one record from --vector and --meta, or many from --file.

Records from a file are written in batches of --batch-size. Each batch is
inserted whole or not at all. A records file is a YAML sequence:

  - id: 1            # optional
    vector: [0.1, 0.2, 0.3]
    metadata: {lang: en, year: 2024}`,
		Example: `  vecdb insert docs --vector 0.1,0.2,0.3 --meta lang=en --meta year=2024
  vecdb insert docs --file records.yaml --batch-size 500`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file != "" {
				size, _ := cmd.Flags().GetInt("batch-size")
				return insertFile(cmd, args[0], file, size)
			}

			vecStr, _ := cmd.Flags().GetString("vector")
			vec, err := parseVector(vecStr)
			if err != nil {
				return err
			}
			pairs, _ := cmd.Flags().GetStringArray("meta")
			md, err := parseMetadata(pairs)
			if err != nil {
				return err
			}
			var opts []vecdb.InsertOption
			if cmd.Flags().Changed("id") {
				id, _ := cmd.Flags().GetUint64("id")
				opts = append(opts, vecdb.WithID(vecdb.ID(id)))
			}
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				id, err := db.Insert(ctx, args[0], vec, md, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().String("vector", "", "comma-separated vector components")
	cmd.Flags().StringArray("meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().Uint64("id", 0, "explicit record id")
	cmd.Flags().StringP("file", "f", "", "YAML records file")
	cmd.Flags().Int("batch-size", 1000, "records per batch with --file")
	cmd.MarkFlagsMutuallyExclusive("file", "vector")
	cmd.MarkFlagsOneRequired("file", "vector")
	return cmd
}

func insertFile(cmd *cobra.Command, collection, path string, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive, got %d", batchSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	recs, err := readRecords(f)
	if err != nil {
		return err
	}

	items := make([]vecdb.BatchItem, len(recs))
	for i, rec := range recs {
		md, err := metadata.DocumentFromAny(rec.Metadata)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		items[i] = vecdb.BatchItem{Assign: rec.ID == nil, Vector: rec.Vector, Metadata: md}
		if rec.ID != nil {
			items[i].ID = vecdb.ID(*rec.ID)
		}
	}

	return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
		inserted := 0
		for chunk := range slices.Chunk(items, batchSize) {
			if _, err := db.InsertBatch(ctx, collection, chunk); err != nil {
				return fmt.Errorf("records %d-%d: %w", inserted, inserted+len(chunk)-1, err)
			}
			inserted += len(chunk)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "inserted %d records\n", inserted)
		return nil
	})
}

func parseID(s string) (vecdb.ID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return vecdb.ID(id), nil
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print a record as YAML",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				rec, err := db.Get(ctx, args[0], id)
				if err != nil {
					return err
				}
				return writeYAML(cmd, recordView{
					ID:       uint64(rec.ID),
					Vector:   rec.Vector,
					Metadata: metadata.DocumentToAny(rec.Metadata),
				})
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>...",
		Short: "Delete records",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]vecdb.ID, 0, len(args)-1)
			for _, s := range args[1:] {
				id, err := parseID(s)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				for _, id := range ids {
					if err := db.Delete(ctx, args[0], id); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", len(ids))
				return nil
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <collection>",
		Short: "Find the nearest records to a query vector",
		Example: `  vecdb search docs --vector 0.1,0.2,0.3 -k 5
  vecdb search docs --vector 0.1,0.2,0.3 --where lang=en --where "year>=2020"
  vecdb search docs --vector 0.1,0.2,0.3 --timeout 20ms --partial`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			vecStr, _ := flags.GetString("vector")
			query, err := parseVector(vecStr)
			if err != nil {
				return err
			}
			k, _ := flags.GetInt("k")
			ef, _ := flags.GetInt("ef")
			where, _ := flags.GetStringArray("where")
			filters, err := parseFilters(where)
			if err != nil {
				return err
			}
			level, _ := flags.GetString("consistency")
			consistency, err := parseConsistency(level)
			if err != nil {
				return err
			}
			timeout, _ := flags.GetDuration("timeout")
			partial, _ := flags.GetBool("partial")
			format, _ := flags.GetString("format")

			opts := []vecdb.SearchOption{
				vecdb.WithFilter(filters),
				vecdb.WithConsistency(consistency),
				vecdb.WithTimeout(timeout),
			}
			if ef > 0 {
				opts = append(opts, vecdb.WithEFSearch(ef))
			}
			if partial {
				opts = append(opts, vecdb.WithTimeoutPolicy(vecdb.TimeoutPolicyPartial))
			}

			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				res, err := db.Search(ctx, args[0], query, k, opts...)
				if err != nil {
					return err
				}
				return printHits(cmd, res, format)
			})
		},
	}
	cmd.Flags().String("vector", "", "comma-separated query vector")
	cmd.Flags().IntP("k", "k", 10, "number of results")
	cmd.Flags().Int("ef", 0, "HNSW search beam width (default from config)")
	cmd.Flags().StringArrayP("where", "w", nil, "metadata filter, e.g. lang=en or year>=2020 (repeatable)")
	cmd.Flags().String("consistency", "bounded", "consistency level (strong, bounded, eventual)")
	cmd.Flags().Duration("timeout", 0, "query timeout")
	cmd.Flags().Bool("partial", false, "return partial results on timeout instead of failing")
	cmd.Flags().String("format", "text", "output format (text, yaml)")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func printHits(cmd *cobra.Command, res *vecdb.SearchResult, format string) error {
	switch format {
	case "yaml":
		view := searchView{Partial: res.Partial, Hits: make([]hitView, len(res.Hits))}
		for i, h := range res.Hits {
			view.Hits[i] = hitView{ID: uint64(h.ID), Distance: h.Distance, Metadata: metadata.DocumentToAny(h.Metadata)}
		}
		return writeYAML(cmd, view)
	case "text", "":
		out := cmd.OutOrStdout()
		for _, h := range res.Hits {
			if len(h.Metadata) == 0 {
				fmt.Fprintf(out, "%d\t%.6g\n", h.ID, h.Distance)
				continue
			}
			fmt.Fprintf(out, "%d\t%.6g\t%s\n", h.ID, h.Distance, formatDocument(h.Metadata))
		}
		if res.Partial {
			fmt.Fprintln(out, "(partial result: timeout)")
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, yaml)", format)
	}
}

func formatDocument(d metadata.Document) string {
	b, err := yaml.Marshal(metadata.DocumentToAny(d))
	if err != nil {
		return "?"
	}
	// Flow style keeps one hit per line.
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil || len(node.Content) == 0 {
		return "?"
	}
	node.Content[0].Style = yaml.FlowStyle
	b, err = yaml.Marshal(node.Content[0])
	if err != nil {
		return "?"
	}
	return string(b[:len(b)-1])
}

func newFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush <collection>",
		Short: "Seal the growing segment and wait for its commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait-index")
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				start := time.Now()
				if err := db.Flush(ctx, args[0]); err != nil {
					return err
				}
				if wait {
					if err := db.WaitIndexes(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flushed %s in %s\n", args[0], time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().Bool("wait-index", false, "also wait for background index builds")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <collection>",
		Short: "Rewrite segments with deleted rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				res, err := db.Compact(ctx, args[0])
				if err != nil {
					return err
				}
				if res.InputSegments == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to compact")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "compacted %d segments into segment %d: %d rows kept, %d removed\n",
					res.InputSegments, res.OutputSegment, res.OutputRows, res.RemovedRows)
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <collection>",
		Short: "Print collection statistics as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				st, err := db.Stats(ctx, args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd, newStatsView(st))
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
