package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"

	"github.com/reeltotext/rtt/api"
	"github.com/reeltotext/rtt/clients"
	"github.com/reeltotext/rtt/config"
	"github.com/reeltotext/rtt/handlers"
	"github.com/reeltotext/rtt/log"
	"github.com/reeltotext/rtt/media"
	"github.com/reeltotext/rtt/pipeline"
	"github.com/reeltotext/rtt/prereq"
)

const usage = `usage: rtt <command> [flags]

commands:
  batch    ingest videos into .rtt archives
  serve    run the search API over a directory of archives
  check    verify external tools, services and API keys
  version  print the application version`

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "batch":
		err = runBatch(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "check":
		err = runCheck(ctx, os.Args[2:])
	case "version":
		fmt.Println(config.Version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		glog.Errorf("rtt %s: %s", os.Args[1], err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	_ = fs.String("config", "", "config file (optional)")
	return ff.Parse(fs, args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("RTT"),
	)
}

func runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rtt batch", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.Input, "input", "", "Jobs to ingest: a JSON file, a directory of JSON files, or a channel URL")
	fs.StringVar(&cli.OutputDir, "output", config.CacheDir(), "Directory where archives, checkpoints and the failures log are written")
	fs.StringVar(&cli.Collection, "collection", "", "Collection label stamped on every produced archive")
	fs.BoolVar(&cli.SkipEnrich, "skip-enrich", false, "Skip transcript enrichment, embed the raw transcript instead")
	config.PositiveIntFlag(fs, &cli.TranscribeWorkers, "transcribe-workers", config.DefaultTranscribeWorkers, "Concurrent transcription workers")
	config.PositiveIntFlag(fs, &cli.EnrichWorkers, "enrich-workers", config.DefaultEnrichWorkers, "Concurrent enrichment workers")
	config.PositiveIntFlag(fs, &cli.EmbedWorkers, "embed-workers", config.DefaultEmbedWorkers, "Concurrent embedding workers")
	config.PositiveIntFlag(fs, &cli.FrameWorkers, "frame-workers", config.DefaultFrameWorkers, "Concurrent frame extraction workers")
	fs.StringVar(&cli.OllamaURL, "ollama-url", config.OllamaURL(), "Base URL of the Ollama server used for embeddings")
	fs.StringVar(&cli.FailuresPath, "failures-log", "", "Path of the failures log (default {output}/failures.jsonl)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if err := prereq.Require(ctx, prereq.Options{
		OllamaURL:   cli.OllamaURL,
		OllamaModel: config.OllamaModel,
		Tools:       true,
		APIKeys:     true,
		SkipEnrich:  cli.SkipEnrich,
	}); err != nil {
		return err
	}

	platform := clients.NewYTDLPPlatform()
	jobs, err := resolveJobs(ctx, platform, cli)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no video jobs found in %s", cli.Input)
	}
	log.LogNoVideoID("starting batch", "jobs", len(jobs), "output", cli.OutputDir)

	coordinator := pipeline.NewCoordinator(cli, pipeline.Adapters{
		Platform:    platform,
		Transcriber: clients.NewAssemblyAITranscriber(config.AssemblyAIAPIKey()),
		Enricher:    clients.NewAnthropicEnricher(config.AnthropicAPIKey()),
		Embedder:    clients.NewOllamaEmbedder(cli.OllamaURL, config.OllamaModel),
		Frames:      clients.FFmpegExtractor{},
	})
	archives, err := coordinator.Run(ctx, jobs)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		failures := cli.FailuresPath
		if failures == "" {
			failures = filepath.Join(cli.OutputDir, "failures.jsonl")
		}
		return fmt.Errorf("no archives produced, see %s", failures)
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rtt serve", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8787", "Address to bind the search API to")
	config.CommaSliceFlag(fs, &cli.ArchiveDirs, "archives", []string{config.CacheDir()}, "Comma-separated directories scanned recursively for .rtt archives")
	fs.StringVar(&cli.OllamaURL, "ollama-url", config.OllamaURL(), "Base URL of the Ollama server used for query embeddings")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if err := prereq.Require(ctx, prereq.Options{
		OllamaURL:   cli.OllamaURL,
		OllamaModel: config.OllamaModel,
	}); err != nil {
		return err
	}

	library, err := handlers.LoadLibrary(cli.ArchiveDirs)
	if err != nil {
		return err
	}
	return api.ListenAndServe(ctx, cli.HTTPAddress, &handlers.RTTHandlersCollection{
		Library:  library,
		Embedder: clients.NewOllamaEmbedder(cli.OllamaURL, config.OllamaModel),
	})
}

func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rtt check", flag.ExitOnError)
	var ollamaURL string
	var skipEnrich bool
	fs.StringVar(&ollamaURL, "ollama-url", config.OllamaURL(), "Base URL of the Ollama server used for embeddings")
	fs.BoolVar(&skipEnrich, "skip-enrich", false, "Do not require the enrichment API key")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	problems := prereq.Check(ctx, prereq.Options{
		OllamaURL:   ollamaURL,
		OllamaModel: config.OllamaModel,
		Tools:       true,
		APIKeys:     true,
		SkipEnrich:  skipEnrich,
	})
	if len(problems) == 0 {
		fmt.Println("all prerequisites present")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("missing: %s\n", p)
	}
	return fmt.Errorf("%d prerequisite(s) missing", len(problems))
}

// resolveJobs expands the -input flag into concrete video jobs: a channel URL
// is listed via the platform, a directory is read file by file, anything else
// is parsed as one jobs file.
func resolveJobs(ctx context.Context, platform clients.Platform, cli config.Cli) ([]media.VideoJob, error) {
	if cli.Input == "" {
		return nil, fmt.Errorf("-input is required")
	}

	var jobs []media.VideoJob
	if strings.HasPrefix(cli.Input, "http://") || strings.HasPrefix(cli.Input, "https://") {
		listed, err := platform.ChannelVideos(ctx, cli.Input)
		if err != nil {
			return nil, err
		}
		jobs = listed
	} else {
		info, err := os.Stat(cli.Input)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			entries, err := os.ReadDir(cli.Input)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				fileJobs, err := readJobsFile(filepath.Join(cli.Input, e.Name()))
				if err != nil {
					return nil, err
				}
				jobs = append(jobs, fileJobs...)
			}
		} else {
			fileJobs, err := readJobsFile(cli.Input)
			if err != nil {
				return nil, err
			}
			jobs = fileJobs
		}
	}

	for i := range jobs {
		if cli.Collection != "" {
			jobs[i].Collection = cli.Collection
		}
		if jobs[i].VideoID == "" {
			platformID, ok := clients.ExtractVideoID(jobs[i].SourceURL)
			if !ok {
				return nil, fmt.Errorf("job %d has no video_id and no platform source_url", i)
			}
			jobs[i].VideoID = platformID
		}
		if jobs[i].SourceURL == "" {
			return nil, fmt.Errorf("job %s has no source_url", jobs[i].VideoID)
		}
	}
	return jobs, nil
}

// readJobsFile accepts either a JSON array of jobs or a single job object.
func readJobsFile(path string) ([]media.VideoJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []media.VideoJob
	if err := json.Unmarshal(data, &jobs); err == nil {
		return jobs, nil
	}
	var job media.VideoJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parsing jobs file %s: %w", path, err)
	}
	return []media.VideoJob{job}, nil
}
