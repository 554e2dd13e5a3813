package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"mcsched/internal/job"
	"mcsched/internal/logging"
	"mcsched/internal/sched"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cores      int
		ticks      int64
		csvPath    string
		nFair      int
		nRR        int
		nFifo      int
	)

	cmd := &cobra.Command{
		Use:   "mcsched",
		Short: "Multi-core fair/real-time scheduler simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sched.Load(configPath)
			if cores > 0 {
				cfg.Cores = cores
			}
			return runSim(cfg, ticks, csvPath, nFair, nRR, nFifo)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yml", "path to YAML config")
	cmd.Flags().IntVar(&cores, "cores", 0, "override number of cores")
	cmd.Flags().Int64Var(&ticks, "ticks", 4000, "number of ticks to simulate")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write an event trace to this CSV file")
	cmd.Flags().IntVar(&nFair, "fair", 4, "number of fair tasks")
	cmd.Flags().IntVar(&nRR, "rr", 2, "number of round-robin real-time tasks")
	cmd.Flags().IntVar(&nFifo, "fifo", 1, "number of FIFO real-time tasks")
	return cmd
}

// simTask pairs a scheduled task with the synthetic behavior driving its
// voluntary blocking.
type simTask struct {
	id       sched.TaskID
	task     *sched.Task
	behavior job.Behavior
}

func runSim(cfg sched.Config, ticks int64, csvPath string, nFair, nRR, nFifo int) error {
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	s := sched.New(cfg, logger, nil)
	balancer := sched.NewLoadBalancer(s, logger)

	var trace *sched.TraceWriter
	if csvPath != "" {
		var err error
		trace, err = sched.NewTraceWriter(csvPath)
		if err != nil {
			return err
		}
		defer trace.Close()
	}
	drainEvents := func() {
		for {
			select {
			case ev := <-s.Events():
				if trace != nil {
					if err := trace.Write(ev); err != nil {
						logger.Warn("trace write failed", "err", err)
					}
				}
			default:
				return
			}
		}
	}

	sims, err := buildTasks(s, nFair, nRR, nFifo)
	if err != nil {
		return err
	}

	clock := sched.NewTickClock(256)
	clock.Start(time.Duration(cfg.TickMS) * time.Millisecond)
	defer clock.Stop()

	// wakeups[tick] holds tasks due to be woken at that tick.
	wakeups := make(map[int64][]sched.TaskID)
	byID := make(map[sched.TaskID]*simTask, len(sims))
	for _, st := range sims {
		byID[st.id] = st
	}

	for tick := int64(1); tick <= ticks; tick++ {
		<-clock.Ch

		for _, id := range wakeups[tick] {
			if err := s.WakeTask(id); err != nil {
				logger.Warn("wake failed", "task", id, "err", err)
			}
		}
		delete(wakeups, tick)

		for core := 0; core < s.NumCores(); core++ {
			s.Tick(sched.CoreID(core), 1)
		}

		// Let each running task decide whether to block.
		for core := 0; core < s.NumCores(); core++ {
			id, ok := s.CurrentTask(sched.CoreID(core))
			if !ok {
				continue
			}
			st := byID[id]
			if st == nil {
				continue
			}
			if d := st.behavior.ShouldBlock(st.task.CPUTicks()); d > 0 {
				if err := s.BlockTask(id); err == nil {
					wakeups[tick+d] = append(wakeups[tick+d], id)
				}
			}
		}

		if tick%cfg.BalanceEveryTicks == 0 {
			balancer.Balance()
		}
		drainEvents()
	}

	drainEvents()
	printTotals(s, sims, ticks)
	return nil
}

func buildTasks(s *sched.Scheduler, nFair, nRR, nFifo int) ([]*simTask, error) {
	var sims []*simTask
	id := sched.TaskID(1)

	// Fair tasks with a spread of nice values; pure CPU hogs.
	nices := []int{0, 0, -5, 5, 10, -10}
	for i := 0; i < nFair; i++ {
		t, err := sched.NewFairTask(id, nices[i%len(nices)], nil)
		if err != nil {
			return nil, err
		}
		sims = append(sims, &simTask{id: id, task: t, behavior: job.Busy()})
		id++
	}

	// Round-robin tasks sharing one priority level.
	for i := 0; i < nRR; i++ {
		t, err := sched.NewRealTimeTask(id, sched.ClassRealTimeRoundRobin, 50, nil)
		if err != nil {
			return nil, err
		}
		sims = append(sims, &simTask{id: id, task: t, behavior: job.Periodic(40, 200)})
		id++
	}

	// FIFO tasks above the round-robin level; mostly asleep so the rest
	// of the system makes progress.
	for i := 0; i < nFifo; i++ {
		t, err := sched.NewRealTimeTask(id, sched.ClassRealTimeFifo, 60, nil)
		if err != nil {
			return nil, err
		}
		sims = append(sims, &simTask{id: id, task: t, behavior: job.Periodic(10, 300)})
		id++
	}

	for _, st := range sims {
		if err := s.Enqueue(st.task); err != nil {
			return nil, err
		}
	}
	return sims, nil
}

func printTotals(s *sched.Scheduler, sims []*simTask, ticks int64) {
	totals := s.CPUTotals()
	sort.Slice(sims, func(i, j int) bool { return sims[i].id < sims[j].id })

	capacity := ticks * int64(s.NumCores())
	fmt.Printf("%-6s %-8s %-6s %-10s %s\n", "TASK", "CLASS", "PRIO", "CPU TICKS", "SHARE")
	for _, st := range sims {
		ran := totals[st.id]
		prio := st.task.Nice
		if st.task.Class != sched.ClassFair {
			prio = st.task.RTPriority
		}
		fmt.Printf("%-6d %-8s %-6d %-10d %5.1f%%\n",
			st.id, st.task.Class, prio, ran, 100*float64(ran)/float64(capacity))
	}
}
