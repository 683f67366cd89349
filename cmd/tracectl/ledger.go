package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/config"
	"github.com/dharsanguruparan/HarvestTrace/internal/database"
	"github.com/dharsanguruparan/HarvestTrace/internal/labreport"
	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/queue"
	"github.com/dharsanguruparan/HarvestTrace/internal/repository"
)

// withLedger opens the PostgreSQL ledger for the duration of fn. When the
// deployment uses the queue, changes are enqueued so the worker refreshes
// reports just as it does for API writes.
func withLedger(ctx context.Context, fn func(*ledger.Ledger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}
	logger, err := observability.NewLogger("warn")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithSequenceFloors(cfg.BatchSeqFloor, cfg.ProductSeqFloor),
		ledger.WithExclusiveBatches(cfg.ExclusiveBatches),
	}
	if cfg.Notify == config.NotifyQueue {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		opts = append(opts, ledger.WithNotifier(queue.NewNotifier(client)))
		logger.Debug("enqueueing changes", zap.String("redis", cfg.RedisAddr))
	}
	return fn(ledger.New(repository.NewPgStore(pool), opts...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create and inspect harvest batches",
	}
	cmd.AddCommand(newBatchCreateCmd(), newBatchShowCmd(), newBatchListCmd())
	return cmd
}

func newBatchCreateCmd() *cobra.Command {
	var in ledger.BatchInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a new harvest; cultivation is completed on behalf of the farmer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				b, err := l.CreateBatch(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
	cmd.Flags().StringVar(&in.ProductName, "product", "", "Harvested product name")
	cmd.Flags().StringVar(&in.FarmName, "farm", "", "Farm name")
	cmd.Flags().StringVar(&in.Location, "location", "", "Farm location")
	cmd.Flags().StringVar(&in.HarvestDate, "harvest-date", "", "Harvest date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&in.ProcessingDetails, "details", "", "Processing details")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "Cultivation stage description")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("farm")
	return cmd
}

func newBatchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show BATCH_ID",
		Short: "Print a batch and its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				e, err := l.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if e.Kind != model.KindBatch {
					return fmt.Errorf("%s is a %s", args[0], e.Kind)
				}
				return printJSON(cmd.OutOrStdout(), e.Batch)
			})
		},
	}
}

func newBatchListCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				list := l.Batches
				if ready {
					list = l.ReadyBatches
				}
				batches, err := list(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), batches)
			})
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "Only batches ready for formulation")
	return cmd
}

func newProductCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Assemble and list products",
	}
	cmd.AddCommand(newProductCreateCmd(), newProductListCmd())
	return cmd
}

func newProductCreateCmd() *cobra.Command {
	var in ledger.ProductInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assemble a product from batches that are ready for formulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				p, err := l.CreateProduct(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "Product name")
	cmd.Flags().StringVar(&in.Brand, "brand", "", "Brand")
	cmd.Flags().StringVar(&in.Image, "image", "", "Image URL")
	cmd.Flags().StringSliceVar(&in.BatchIDs, "batch", nil, "Component batch id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("brand")
	return cmd
}

func newProductListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				products, err := l.Products(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), products)
			})
		},
	}
}

type stageFlags struct {
	role        string
	kind        string
	description string
	date        string
	data        map[string]string
	labReport   string
}

// update turns the flags into a StageUpdate, attaching lab report text when a
// PDF is given.
func (f stageFlags) update() (model.StageUpdate, error) {
	u := model.StageUpdate{Description: f.description, Date: f.date}
	if len(f.data) > 0 {
		u.Data = make(map[string]any, len(f.data))
		for k, v := range f.data {
			u.Data[k] = v
		}
	}
	if f.labReport == "" {
		return u, nil
	}
	file, err := os.Open(f.labReport)
	if err != nil {
		return model.StageUpdate{}, fmt.Errorf("open lab report: %w", err)
	}
	defer file.Close()
	text, err := labreport.ExtractFromReader(file)
	if err != nil {
		return model.StageUpdate{}, fmt.Errorf("lab report %s: %w", f.labReport, err)
	}
	labreport.Attach(&u, f.labReport, text)
	return u, nil
}

func (f stageFlags) entityKind(id string) (model.EntityKind, error) {
	if f.kind != "" {
		return model.ParseKind(f.kind)
	}
	if kind, ok := model.KindOf(id); ok {
		return kind, nil
	}
	return "", fmt.Errorf("cannot infer kind of %q; pass --kind", id)
}

func newStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Advance entity timelines",
	}
	var f stageFlags
	complete := &cobra.Command{
		Use:   "complete ENTITY_ID STAGE_ID",
		Short: "Complete the pending stage of a batch or product as --role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("stage id %q: %w", args[1], err)
			}
			actor, err := model.ParseRole(f.role)
			if err != nil {
				return err
			}
			kind, err := f.entityKind(args[0])
			if err != nil {
				return err
			}
			update, err := f.update()
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				e, err := l.UpdateStage(cmd.Context(), args[0], kind, stageID, update, actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
	complete.Flags().StringVar(&f.role, "role", "", "Acting participant role")
	complete.Flags().StringVar(&f.kind, "kind", "", "batch or product (inferred from the id prefix)")
	complete.Flags().StringVar(&f.description, "description", "", "What happened at this stage")
	complete.Flags().StringVar(&f.date, "date", "", "Stage date (YYYY-MM-DD, default today)")
	complete.Flags().StringToStringVar(&f.data, "data", nil, "Extra key=value payload")
	complete.Flags().StringVar(&f.labReport, "lab-report", "", "PDF lab certificate to attach")
	_ = complete.MarkFlagRequired("role")
	cmd.AddCommand(complete)
	return cmd
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup ID",
		Short: "Find a batch or product by id (case-insensitive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				e, err := l.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}
