package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/pflow-xyz/go-colornet/config"
	"github.com/pflow-xyz/go-colornet/instance"
	"github.com/pflow-xyz/go-colornet/marking"
	"github.com/pflow-xyz/go-colornet/petri"
)

// Place ids of the demo net.
const (
	placeReceived = 1
	placeAccepted = 2
	placeReserved = 3
	placeShipped  = 4
)

// Transition ids of the demo net.
const (
	transAccept  = 1
	transReserve = 2
	transShip    = 3
)

// orderNet is a small fulfillment pipeline: orders are accepted on
// request, then stock reservation and shipping follow automatically.
func orderNet() (*petri.Net, error) {
	return petri.Build().
		Place(placeReceived, "received", "order").
		Place(placeAccepted, "accepted", "order").
		Place(placeReserved, "reserved", "order").
		Place(placeShipped, "shipped", "order").
		Transition(petri.Transition{
			ID:    transAccept,
			Label: "accept",
			Handler: func(ctx context.Context, in petri.Input) (petri.Output, error) {
				order := in.Token("order")
				return petri.Output{Event: map[string]any{"accepted": order}}.
					Emit("order", order), nil
			},
		}).
		Transition(petri.Transition{
			ID:        transReserve,
			Label:     "reserve",
			Automated: true,
			Handler: func(ctx context.Context, in petri.Input) (petri.Output, error) {
				return petri.Output{}.Emit("order", in.Token("order")), nil
			},
			Strategy: func(err error, attempt int) petri.Directive {
				if attempt < 3 {
					return petri.Retry(time.Duration(attempt) * 100 * time.Millisecond)
				}
				return petri.Block()
			},
		}).
		Transition(petri.Transition{
			ID:        transShip,
			Label:     "ship",
			Automated: true,
			Handler: func(ctx context.Context, in petri.Input) (petri.Output, error) {
				order := in.Token("order")
				return petri.Output{Event: map[string]any{"shipped": order}}.
					Emit("order", order), nil
			},
		}).
		Flow(placeReceived, transAccept, placeAccepted, "order").
		Flow(placeAccepted, transReserve, placeReserved, "order").
		Flow(placeReserved, transShip, placeShipped, "order").
		Done()
}

func demoFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	instanceID := fs.String("instance", "demo", "instance (journal stream) id")
	return fs, configPath, instanceID
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(args []string) error {
	fs, configPath, instanceID := demoFlags("run")
	orders := fs.Int("orders", 2, "orders to feed into the net")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()
	logger := cfg.Log.NewLogger()

	net, err := orderNet()
	if err != nil {
		return err
	}

	ctx := context.Background()
	inst := instance.New(*instanceID, net, store,
		instance.WithLogger(logger),
		instance.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		instance.WithSnapshotEvery(cfg.Engine.SnapshotEvery))
	if err := inst.Start(ctx); err != nil {
		return err
	}
	defer inst.Stop()

	st, err := inst.State(ctx)
	if err != nil {
		return err
	}
	if st.Sequence == 0 {
		initial := marking.New()
		for i := 0; i < *orders; i++ {
			initial = initial.Produce(marking.Of(placeReceived, fmt.Sprintf("order-%d", i+1)))
		}
		if err := inst.Initialize(ctx, initial, nil); err != nil {
			return err
		}
		fmt.Printf("initialized %q with %d orders\n", *instanceID, *orders)
	} else {
		fmt.Printf("recovered %q at sequence %d\n", *instanceID, st.Sequence)
	}

	// Accept every waiting order; reservation and shipping follow on
	// their own.
	for {
		result, err := inst.Fire(ctx, transAccept, nil)
		if err != nil {
			var notEnabled *instance.NotEnabledError
			if errors.As(err, &notEnabled) {
				break
			}
			return err
		}
		fmt.Printf("accepted job=%s consumed=%v\n", result.JobID, result.Consumed)
	}

	// Wait for the automatic transitions to drain the pipeline.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err = inst.State(ctx)
		if err != nil {
			return err
		}
		counts := st.Marking.Multiplicity()
		if counts[placeAccepted] == 0 && counts[placeReserved] == 0 {
			break
		}
		if time.Now().After(deadline) {
			fmt.Println("pipeline did not drain in time")
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	fmt.Printf("sequence=%d marking=%v jobs=%d\n", st.Sequence, st.Marking, len(st.ConsumedJobs))
	return nil
}

func state(args []string) error {
	fs, configPath, instanceID := demoFlags("state")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	net, err := orderNet()
	if err != nil {
		return err
	}

	ctx := context.Background()
	inst := instance.New(*instanceID, net, store, instance.WithLogger(cfg.Log.NewLogger()))
	if err := inst.Start(ctx); err != nil {
		return err
	}
	defer inst.Stop()

	st, err := inst.State(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("instance:  %s\n", *instanceID)
	fmt.Printf("sequence:  %d\n", st.Sequence)
	fmt.Printf("marking:   %v\n", st.Marking)
	fmt.Printf("jobs:      %d\n", len(st.ConsumedJobs))
	for id, rec := range st.Failures {
		fmt.Printf("failure:   transition=%d attempt=%d %s (%s)\n", id, rec.Attempt, rec.Error, rec.Directive.Kind)
	}
	return nil
}

func events(args []string) error {
	fs, configPath, instanceID := demoFlags("events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	journal, err := store.Read(context.Background(), *instanceID, 0)
	if err != nil {
		return err
	}
	for _, event := range journal {
		fmt.Printf("%4d  %-18s %s  %s\n", event.Version, event.Type,
			event.Timestamp.Format(time.RFC3339), event.Data)
	}
	if len(journal) == 0 {
		fmt.Printf("no events for instance %q\n", *instanceID)
	}
	return nil
}
