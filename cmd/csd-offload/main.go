package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-csd"
	"github.com/ehrlich-b/go-csd/backend"
	"github.com/ehrlich-b/go-csd/internal/accel"
	"github.com/ehrlich-b/go-csd/internal/config"
	"github.com/ehrlich-b/go-csd/internal/logging"
)

const uringEntries = 256

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		sizeStr    = flag.String("size", "", "Size of the device media (e.g., 64M, 1G)")
		mediaKind  = flag.String("media", "", "Device media: memory, file or uring-file")
		mediaPath  = flag.String("path", "", "Backing file for file media")
		kernel     = flag.String("kernel", "", "Aggregation kernel: prefix-sum32 or rs-parity")
		queues     = flag.Int("queues", 0, "Number of I/O queues")
		pages      = flag.Int("pages", 0, "Number of pages to offload")
		input      = flag.String("input", "", "Ingest file (default: generated pattern)")
		listen     = flag.String("status", "", "Serve status and metrics on this address (e.g., :9100)")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
	}

	// explicit flags win over the file
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			size, err := parseSize(*sizeStr)
			if err != nil {
				flagErr = fmt.Errorf("invalid size '%s': %w", *sizeStr, err)
			}
			cfg.Device.Size = size
		case "media":
			cfg.Device.Media = *mediaKind
		case "path":
			cfg.Device.Path = *mediaPath
		case "kernel":
			cfg.Device.Kernel = *kernel
		case "queues":
			cfg.Host.Queues = *queues
		case "pages":
			cfg.Host.Pages = *pages
		case "input":
			cfg.Host.Input = *input
		case "status":
			cfg.Status.Listen = *listen
		case "v":
			cfg.Logging.Level = "debug"
		}
	})
	if flagErr != nil {
		log.Fatal(flagErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up logging
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatal(err)
	}
	logConfig := logging.DefaultConfig()
	logConfig.Level = level
	logConfig.Format = cfg.Logging.Format
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("offload failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	media, err := openMedia(cfg.Device)
	if err != nil {
		return err
	}
	defer media.Close()

	params := csd.DefaultParams(media)
	params.Name = "csd0"
	params.BlockSize = cfg.Device.BlockSize
	params.PageSize = cfg.Device.PageSize
	params.MaxQueueDepth = cfg.Device.MaxQueueDepth
	params.MaxBlocksPerIO = cfg.Device.MaxBlocksPerIO
	params.DescriptorSlots = cfg.Device.DescriptorSlots
	params.Kernel = cfg.Device.Kernel
	params.AccelPollLimit = cfg.Device.AccelPollLimit
	params.AccelLatency = cfg.Device.AccelLatency
	params.HaltOnViolation = cfg.Device.Halt()

	dev, err := csd.NewDevice(params, &csd.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	defer dev.Close()

	ns, err := csd.Open(dev.Name, csd.OpenParams{Queues: cfg.Host.Queues, QueueDepth: cfg.Host.QueueDepth})
	if err != nil {
		return fmt.Errorf("open namespace: %w", err)
	}
	defer ns.Close()

	info := ns.Info()
	logger.Info("namespace open",
		"nsid", info.ID,
		"session", info.Session,
		"blocks", info.TotalBlocks,
		"block_size", info.BlockSize,
		"page_size", info.PageSize,
		"queues", info.Queues,
		"kernel", info.Kernel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Status.Listen != "" {
		router := newStatusRouter(dev, ns, logger)
		g.Go(func() error {
			err := serveStatus(gctx, cfg.Status.Listen, router, logger)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	o := &offload{ns: ns, dev: dev, cfg: cfg.Host, logger: logger}
	g.Go(func() error {
		defer func() {
			if cfg.Status.Listen == "" {
				stop()
			}
		}()
		if err := o.run(gctx); err != nil {
			stop()
			return err
		}
		if cfg.Status.Listen != "" {
			fmt.Printf("\nServing status on %s (GET /v1/device, /v1/queues/{qid}, /metrics)\n", cfg.Status.Listen)
			fmt.Printf("Press Ctrl+C to stop...\n")
		}
		return nil
	})
	return g.Wait()
}

func openMedia(d config.Device) (csd.StatMedia, error) {
	switch d.Media {
	case config.MediaFile:
		return backend.OpenFile(d.Path, d.Size)
	case config.MediaURingFile:
		return backend.OpenURingFile(d.Path, d.Size, uringEntries)
	default:
		return backend.NewMemory(d.Size), nil
	}
}

// offload is one pass of the host flow: ingest, write, aggregate in place,
// read back and verify.
type offload struct {
	ns     *csd.Namespace
	dev    *csd.Device
	cfg    config.Host
	logger *logging.Logger
}

func (o *offload) run(ctx context.Context) error {
	geo := o.ns.Geometry()
	bpp := uint64(geo.BlocksPerPage())
	ps := int(geo.PageSize)
	endBlock := uint64(o.cfg.Pages) * bpp
	if endBlock > geo.TotalBlocks {
		return fmt.Errorf("%d pages need %d blocks, namespace has %d", o.cfg.Pages, endBlock, geo.TotalBlocks)
	}

	data, err := ingest(o.cfg.Input, o.cfg.Pages*ps)
	if err != nil {
		return err
	}

	pages := make([]*csd.Page, 0, o.cfg.Pages)
	defer func() {
		if err := o.ns.Free(pages); err != nil {
			o.logger.Warn("free pages", "error", err)
		}
	}()
	for i := 0; i < o.cfg.Pages; i++ {
		p, err := o.ns.Alloc(uint16(i%o.cfg.Queues), 1)
		if err != nil {
			return fmt.Errorf("alloc page %d: %w", i, err)
		}
		p[0].LBA = uint64(i) * bpp
		copy(p[0].Buf, data[i*ps:(i+1)*ps])
		pages = append(pages, p[0])
	}

	start := time.Now()
	if err := o.transfer("write", pages, o.ns.SubmitWrite); err != nil {
		return err
	}
	o.logger.Info("pages written", "pages", len(pages), "elapsed", time.Since(start))

	actx, cancel := context.WithTimeout(ctx, o.cfg.IOTimeout)
	defer cancel()
	res, err := o.ns.Aggregate(actx, 0, 0, endBlock)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if err := o.ns.AggregateDone(actx, pages); err != nil {
		return fmt.Errorf("aggregate done: %w", err)
	}
	o.logger.Info("aggregation finished",
		"blocks", endBlock,
		"bytes", res.Bytes,
		"status", fmt.Sprintf("0x%x", res.Status),
		"latency", res.Latency)

	for _, p := range pages {
		clear(p.Buf)
	}
	start = time.Now()
	if err := o.transfer("read", pages, o.ns.SubmitRead); err != nil {
		return err
	}
	o.logger.Info("pages read", "pages", len(pages), "elapsed", time.Since(start))

	if o.cfg.VerifyEnabled() {
		if err := o.verify(data, pages); err != nil {
			return err
		}
	}

	snap := o.dev.MetricsSnapshot()
	fmt.Printf("Offloaded %d pages (%s) over %d queues\n", len(pages), formatSize(int64(len(data))), o.cfg.Queues)
	fmt.Printf("  writes: %d  reads: %d  aggregates: %d  errors: %.2f%%\n",
		snap.WriteOps, snap.ReadOps, snap.AggregateOps, snap.ErrorRate)
	fmt.Printf("  latency p50: %v  p99: %v\n",
		time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	return nil
}

// transfer submits pages in rounds no deeper than any queue and polls each
// round within the poll timeout.
func (o *offload) transfer(what string, pages []*csd.Page, submit func([]*csd.Page) error) error {
	round := o.cfg.Queues * o.cfg.QueueDepth
	for off := 0; off < len(pages); off += round {
		end := off + round
		if end > len(pages) {
			end = len(pages)
		}
		batch := pages[off:end]
		if err := submit(batch); err != nil {
			return fmt.Errorf("submit %s: %w", what, err)
		}
		n, err := o.ns.PollAll(o.cfg.PollTimeout)
		if err != nil {
			return fmt.Errorf("poll %s: %w", what, err)
		}
		if n != len(batch) {
			return fmt.Errorf("%s: only %d of %d pages completed within %v", what, n, len(batch), o.cfg.PollTimeout)
		}
		for _, p := range batch {
			if p.Err != nil {
				return fmt.Errorf("%s page %d: %w", what, p.LBA/uint64(o.ns.Geometry().BlocksPerPage()), p.Err)
			}
		}
	}
	return nil
}

func (o *offload) verify(data []byte, pages []*csd.Page) error {
	want, err := accel.Reference(o.dev.Kernel(), data)
	if err != nil {
		return fmt.Errorf("reference aggregation: %w", err)
	}

	ps := int(o.ns.Geometry().PageSize)
	bad := 0
	for i, p := range pages {
		if !bytes.Equal(p.Buf, want[i*ps:(i+1)*ps]) {
			if bad == 0 {
				o.logger.Error("page mismatch", "page", i, "lba", p.LBA, "qid", p.QID)
			}
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("verification failed: %d of %d pages differ", bad, len(pages))
	}
	o.logger.Info("verification passed", "pages", len(pages))
	return nil
}

// ingest returns n bytes from path, zero padded, or a generated pattern
// when path is empty.
func ingest(path string, n int) ([]byte, error) {
	data := make([]byte, n)
	if path == "" {
		for i := range data {
			data[i] = byte(i*31 + i/4096)
		}
		return data, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	copy(data, b)
	return data, nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
