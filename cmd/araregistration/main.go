package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"araregistration/pkg/config"
	"araregistration/pkg/registration"
	"araregistration/pkg/voxelsize"
)

func main() {
	// Parse command line arguments
	dir := flag.String("dir", "", "Directory containing the downsampled sample volume (default: from config)")
	configPath := flag.String("config", "araregistration.yml", "Settings file (.yml or .toml)")
	ara2sample := flag.Bool("ara2sample", true, "Register the atlas to the sample")
	sample2ara := flag.Bool("sample2ara", true, "Register the sample to the atlas")
	suppressInvert := flag.Bool("suppress-invert", false, "Do not invert the sample to atlas transform")
	params := flag.String("params", "", "Comma separated elastix parameter files (default: from config)")
	printVoxelSize := flag.Bool("voxel-size", false, "Print the voxel size of the downsampled sample and exit")
	writeConfig := flag.String("write-config", "", "Write the default settings to this file and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	closer := cfg.SetLogger()
	defer closer.Close()

	if *printVoxelSize {
		size, err := voxelsize.NewResolver(cfg.Paths.DownsamplePrefix, nil).VoxelSize(*dir)
		if err != nil {
			os.Exit(1)
		}
		fmt.Println(size)
		return
	}

	opts := registration.DefaultOptions(cfg)
	opts.ARA2Sample = *ara2sample
	opts.Sample2ARA = *sample2ara
	opts.SuppressInvertSample2ARA = *suppressInvert
	if *dir != "" {
		opts.DownsampleDir = *dir
	}
	if *params != "" {
		opts.ElastixParams = nil
		for _, p := range strings.Split(*params, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.ElastixParams = append(opts.ElastixParams, p)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Println("================================")
	log.Println("ARA REGISTRATION")
	log.Println("================================")

	startTime := time.Now()
	report, err := registration.NewRegistrar(cfg, opts, registration.Deps{}).Process(ctx)
	if err != nil {
		if registration.IsFatal(err) {
			log.Fatalf("Registration failed: %v", err)
		}
		// already reported
		return
	}

	for _, d := range report.Directions {
		if d.Err != nil {
			log.Printf("%s: skipped (%v)", d.Direction, d.Err)
			continue
		}
		log.Printf("%s: completed in %.1f seconds, results in %s", d.Direction, d.Duration.Seconds(), d.OutputDir)
	}
	if report.InvertedTransformFile != "" {
		log.Printf("Inverted transform recorded in %s", report.InvertedTransformFile)
	}
	log.Printf("Registration finished in %.2f seconds", time.Since(startTime).Seconds())
}
