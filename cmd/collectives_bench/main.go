// collectives_bench runs allreduces of tensors of various sizes on a world of simulated ranks, and reports
// the time per step and the throughput of each size.
//
// The engine configuration is read from the COLLECTIVES_* environment variables, and some of it can be
// overridden with flags. See collectives_bench -help.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/backends"
	_ "github.com/gomlx/collectives/backends/default"
	"github.com/gomlx/collectives/pkg/collectives"
	"github.com/gomlx/collectives/pkg/core/dtypes"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagRanks   = flag.Int("ranks", 4, "Number of ranks, each on its own simulated device.")
	flagBackend = flag.String("backend", "",
		"Backend configuration, formatted as \"<backend>:<config>\". "+
			"If empty, $COLLECTIVES_BACKEND is used, or simgpu with one device per rank.")
	flagSizes = xslices.Flag("sizes", []int{4 << 10, 256 << 10, 4 << 20},
		"Comma-separated list of tensor sizes to benchmark, e.g. \"4KiB,1MiB\".",
		func(value string) (int, error) {
			n, err := humanize.ParseBytes(value)
			return int(n), err
		},
		func(n int) string { return humanize.IBytes(uint64(n)) })
	flagTensors   = flag.Int("tensors", 8, "Number of tensors reduced by each rank at every step.")
	flagSteps     = flag.Int("steps", 20, "Number of steps for each size.")
	flagFusion    = flag.String("fusion", "", "Fusion threshold, e.g. \"64MiB\". 0 disables fusion. If empty, $COLLECTIVES_FUSION_THRESHOLD or the default is used.")
	flagOp        = flag.String("op", "Sum", "Reduce operation: Sum, Average, Min, Max or Product.")
	flagDType     = flag.String("dtype", "Float32", "Data type of the tensors: Float32, Float64, Int32 or Int64.")
	flagDedicated = flag.Bool("dedicated", false, "Run the reductions on the dedicated stream.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	config := must.M1(collectives.ConfigFromEnv())
	config.Size = *flagRanks
	config.LocalSize = 0
	if *flagFusion != "" {
		config.FusionThreshold = int(must.M1(humanize.ParseBytes(*flagFusion)))
	}
	config.Backend = *flagBackend
	if config.Backend == "" && os.Getenv(backends.COLLECTIVES_BACKEND) == "" {
		config.Backend = fmt.Sprintf("simgpu:devices=%d", *flagRanks)
	}
	op := must.M1(backends.ReduceOpTypeFromName(*flagOp))
	dtype := must.M1(dtypes.FromName(*flagDType))
	if _, err := expectedValue(op, dtype, *flagRanks); err != nil {
		klog.Exitf("%v", err)
	}

	world, err := collectives.Init(config)
	if err != nil {
		klog.Exitf("Failed to initialize: %+v", err)
	}
	defer world.Shutdown()

	fmt.Println(titleStyle.Render("Allreduce benchmark"))
	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.Row(false, "world", world.ID().String())
	summary.Row(false, "backend", world.Backend().Description())
	summary.Row(false, "ranks", humanize.Comma(int64(world.Size())))
	summary.Row(false, "reduction", fmt.Sprintf("%s of %s", op, dtype))
	summary.Row(false, "fusion threshold", humanize.IBytes(uint64(config.FusionThreshold)))
	summary.Row(false, "tensors per step", humanize.Comma(int64(*flagTensors)))
	fmt.Println(summary.Table.Render())

	sizes := *flagSizes
	bar := progressbar.NewOptions(len(sizes)**flagSteps,
		progressbar.OptionSetDescription("Allreduce: "),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	term := termenv.NewOutput(os.Stdout)
	term.HideCursor()
	results := make([]result, 0, len(sizes))
	for _, size := range sizes {
		results = append(results, benchmark(world, op, dtype, size, bar))
	}
	_ = bar.Finish()
	term.ShowCursor()
	fmt.Println()

	table := newTable(lipgloss.Right)
	table.Table.Headers("Tensor size", "Elements", "Step time", "Throughput per rank", "Status")
	failed := false
	for _, r := range results {
		statusStr := "ok"
		if r.err != nil {
			statusStr = r.err.Error()
			failed = true
		}
		table.Row(r.err != nil,
			humanize.IBytes(uint64(r.size)),
			humanize.Comma(int64(r.numElements)),
			r.stepTime().String(),
			r.throughput(),
			statusStr)
	}
	fmt.Println(table.Table.Render())
	if failed {
		world.Shutdown()
		klog.Flush()
		os.Exit(1)
	}
}

// result of the benchmark of one size.
type result struct {
	size, numElements int
	elapsed           time.Duration
	steps             int
	err               error
}

func (r result) stepTime() time.Duration {
	if r.steps == 0 {
		return 0
	}
	return (r.elapsed / time.Duration(r.steps)).Round(time.Microsecond)
}

func (r result) throughput() string {
	if r.elapsed <= 0 || r.steps == 0 {
		return "-"
	}
	perSecond := float64(r.size**flagTensors*r.steps) / r.elapsed.Seconds()
	return humanize.IBytes(uint64(perSecond)) + "/s"
}

// benchmark runs *flagSteps steps: at each step every rank reduces *flagTensors tensors of the given size.
func benchmark(world *collectives.World, op backends.ReduceOpType, dtype dtypes.DType, size int, bar *progressbar.ProgressBar) result {
	numElements := max(size/dtype.Size(), 1)
	r := result{size: numElements * dtype.Size(), numElements: numElements}
	expected := must.M1(expectedValue(op, dtype, world.Size()))

	ranks := make([]*rankData, world.Size())
	for rank := range ranks {
		data, err := newRankData(world.Engine(rank), dtype, numElements, rank+1)
		if err != nil {
			r.err = err
			return r
		}
		defer data.finalize()
		ranks[rank] = data
	}

	opts := []collectives.Option{collectives.WithReduceOp(op)}
	if *flagDedicated {
		opts = append(opts, collectives.WithDedicatedStream())
	}
	start := time.Now()
	for step := range *flagSteps {
		var wg sync.WaitGroup
		errs := make([]error, len(ranks))
		for rank, data := range ranks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[rank] = data.step(opts, step == *flagSteps-1, expected)
			}()
		}
		wg.Wait()
		r.steps++
		_ = bar.Add(1)
		for _, err := range errs {
			if err != nil {
				r.err = err
				_ = bar.Add(*flagSteps - step - 1)
				r.elapsed = time.Since(start)
				return r
			}
		}
	}
	r.elapsed = time.Since(start)
	return r
}

// expectedValue of the reduction, when rank r contributes r+1 to every element.
func expectedValue(op backends.ReduceOpType, dtype dtypes.DType, numRanks int) (float64, error) {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64:
	default:
		return 0, errors.Errorf("data type %s not supported by the benchmark", dtype)
	}
	n := float64(numRanks)
	switch op {
	case backends.ReduceOpSum:
		return n * (n + 1) / 2, nil
	case backends.ReduceOpAverage:
		sum := n * (n + 1) / 2
		if dtype.IsFloat() {
			return sum / n, nil
		}
		return math.Trunc(sum * (1 / n)), nil
	case backends.ReduceOpMin:
		return 1, nil
	case backends.ReduceOpMax:
		return n, nil
	case backends.ReduceOpProduct:
		product := 1.0
		for ii := 2; ii <= numRanks; ii++ {
			product *= float64(ii)
		}
		return product, nil
	default:
		return 0, errors.Errorf("reduce operation %s not supported", op)
	}
}
