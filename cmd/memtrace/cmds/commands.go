package cmds

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/pb2bee/memtrace/pkg/config"
	"github.com/pb2bee/memtrace/pkg/engine"
	"github.com/pb2bee/memtrace/pkg/host"
	"github.com/pb2bee/memtrace/pkg/logflags"
	"github.com/pb2bee/memtrace/pkg/machine"
	"github.com/pb2bee/memtrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// outputDir is where per-thread trace logs are written.
	outputDir string
	// capacity overrides the configured per-thread buffer capacity.
	capacity int
	// threads is how many traced threads the demo workload runs.
	threads int
	// iterations is how many times each thread executes the workload.
	iterations int
	// execFile optionally replaces the built-in workload with raw
	// instruction bytes read from a file.
	execFile string
	// showTotals makes run print the global reference count at exit.
	showTotals bool

	conf *config.Config
)

const memtraceLongDesc = `Memtrace records every memory reference made by instrumented code.

Each traced thread owns a fixed-capacity record buffer; inline instrumentation
appends one record per memory operand and branches to a shared trampoline when
the buffer fills, dumping it to the thread's log file. The run subcommand
executes a built-in multi-threaded workload under the reference host.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "memtrace",
		Short: "Memtrace is an inline memory reference tracer.",
		Long:  memtraceLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (host,injector,trampoline,flush).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Memtrace Tracer\n%s\n%s\n", version.MemtraceVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Run the demo workload under the tracer.",
		Long: `Executes a built-in workload (loads, stores, read-modify-writes, stack
traffic and an expanded rep-string copy) on one or more threads, writing one
trace log per thread.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	runCommand.Flags().StringVar(&outputDir, "output", "", "Directory trace logs are written to (default: config or current directory).")
	runCommand.Flags().IntVar(&capacity, "capacity", 0, "Per-thread buffer capacity in records (default: config).")
	runCommand.Flags().IntVar(&threads, "threads", 2, "Number of traced threads.")
	runCommand.Flags().IntVar(&iterations, "iterations", 64, "Workload iterations per thread.")
	runCommand.Flags().StringVar(&execFile, "exec", "", "Execute raw amd64 instruction bytes from this file instead of the built-in workload.")
	runCommand.Flags().BoolVar(&showTotals, "totals", false, "Print the global reference count at exit.")
	rootCommand.AddCommand(runCommand)

	return rootCommand
}

// Workload blocks, hand assembled. Each thread points rbx at its own
// data region, rsi/rdi at the copy buffers, and rsp at its own stack.
var (
	// mov eax,[rbx]; add [rbx+4],eax; inc dword [rbx+8]; push rax; pop rax; nop
	workBlock = []byte{
		0x8b, 0x03,
		0x01, 0x43, 0x04,
		0xff, 0x43, 0x08,
		0x50,
		0x58,
		0x90,
	}
	// rep movsb
	copyBlock = []byte{0xf3, 0xa4}
)

const (
	workPC = 0x401000
	copyPC = 0x402000

	copyBytes = 32
	stackSize = 0x2000
	dataSize  = 0x1000
)

func run() error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}
	if outputDir != "" {
		conf.OutputDir = outputDir
	}
	if capacity > 0 {
		conf.BufferCapacity = &capacity
	}

	h := host.NewHost()
	eng, err := engine.New(h, conf)
	if err != nil {
		return err
	}

	work, rep := workBlock, copyBlock
	if execFile != "" {
		work, err = os.ReadFile(execFile)
		if err != nil {
			return err
		}
		rep = nil
	}

	mem := h.Memory()
	src, err := mem.Alloc(dataSize)
	if err != nil {
		return err
	}
	dst, err := mem.Alloc(dataSize)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, threads)
	for i := 0; i < threads; i++ {
		data, err := mem.Alloc(dataSize)
		if err != nil {
			return err
		}
		stack, err := mem.Alloc(stackSize)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(i int, data, stack uint64) {
			defer wg.Done()
			errs[i] = runThread(h, work, rep, data, stack, src+uint64(i)*copyBytes, dst+uint64(i)*copyBytes)
		}(i, data, stack)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	h.Shutdown()

	if showTotals || conf.ShowTotals {
		fmt.Fprintf(os.Stdout, "saw %d memory references\n", eng.TotalRefs())
	}
	return nil
}

func runThread(h *host.Host, work, rep []byte, data, stack, src, dst uint64) error {
	th := h.NewThread()
	defer h.ExitThread(th)

	ctx := th.Ctx
	ctx.R[machine.RBX] = data
	ctx.R[machine.RSP] = stack + stackSize

	for it := 0; it < iterations; it++ {
		if err := h.ExecuteBlock(th, work, workPC); err != nil {
			return err
		}
		if rep == nil {
			continue
		}
		ctx.R[machine.RSI] = src
		ctx.R[machine.RDI] = dst
		ctx.R[machine.RCX] = copyBytes
		if err := h.ExecuteBlock(th, rep, copyPC); err != nil {
			return err
		}
	}
	return nil
}
