// Command flasher is the peripheral CLI front-end over internal/flasher:
// a single binary with an --op switch for info/backup/flash/patch-vin,
// the same "one binary, many modes chosen by flag" shape as the
// teacher's cmd/query. Argument parsing and process wiring are
// explicitly out of scope (spec.md §1) — this is a thin collaborator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"n54flash/internal/bus"
	"n54flash/internal/capture"
	"n54flash/internal/config"
	"n54flash/internal/flasher"
	"n54flash/internal/frame"
	"n54flash/internal/image"
	"n54flash/internal/isotp"
	"n54flash/internal/kwp"
)

func main() {
	var (
		configFile string
		op         string
		imagePath  string
		outputPath string
		oldVIN     string
		newVIN     string
	)
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&op, "op", "info", "Operation: info, backup, flash, patch-vin")
	flag.StringVar(&imagePath, "image", "", "Flash image path (flash, patch-vin)")
	flag.StringVar(&outputPath, "output", "backup.bin", "Output path (backup)")
	flag.StringVar(&oldVIN, "old-vin", "", "Existing VIN to search for (patch-vin)")
	flag.StringVar(&newVIN, "new-vin", "", "New VIN to write (patch-vin)")
	flag.Parse()

	if op == "patch-vin" {
		if err := runPatchVIN(imagePath, oldVIN, newVIN, outputPath); err != nil {
			log.Fatalf("patch-vin: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fb, err := bus.New(cfg.GetBusConfig())
	if err != nil {
		log.Fatalf("Error opening transport: %v", err)
	}

	var tfb frame.Bus = fb
	if cfg.Capture.Enabled {
		rec := capture.NewRecorder(op, "cli")
		if err := rec.Start(); err != nil {
			log.Printf("capture disabled: %v", err)
		} else {
			tfb = bus.NewCapturing(fb, rec)
		}
	}
	defer tfb.Shutdown()

	txID, rxID := cfg.Flasher.TxID, cfg.Flasher.RxID
	if txID == 0 {
		txID = 0x6F1
	}
	if rxID == 0 {
		rxID = 0x6F9
	}
	tp := isotp.New(tfb, txID, rxID, time.Second)
	f := flasher.New(kwp.New(tp))
	ctx := context.Background()

	if err := f.EnterSession(ctx); err != nil {
		log.Fatalf("enter session: %v", err)
	}
	if err := f.SecurityUnlock(ctx); err != nil {
		log.Fatalf("security unlock: %v", err)
	}

	switch op {
	case "info":
		runInfo(ctx, f)
	case "backup":
		runBackup(ctx, f, cfg.Flasher.BackupChunkSize, outputPath)
	case "flash":
		runFlash(ctx, f, cfg.Flasher.FlashChunkSize, imagePath)
	default:
		log.Fatalf("unknown -op %q", op)
	}
}

func runInfo(ctx context.Context, f *flasher.Flasher) {
	info, err := f.ReadECUID(ctx)
	if err != nil {
		log.Fatalf("read ecu id: %v", err)
	}
	for ident, data := range info {
		fmt.Printf("%s: % X\n", ident, data)
	}
}

func runBackup(ctx context.Context, f *flasher.Flasher, chunk int, outputPath string) {
	data, err := f.Backup(ctx, chunk, func(done, total int) {
		fmt.Printf("\rbackup: %d/%d bytes", done, total)
	})
	fmt.Println()
	if err != nil {
		log.Fatalf("backup: %v", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		log.Fatalf("write %s: %v", outputPath, err)
	}
	fmt.Printf("backup written to %s\n", outputPath)
}

func runFlash(ctx context.Context, f *flasher.Flasher, chunk int, imagePath string) {
	if imagePath == "" {
		log.Fatal("flash requires -image")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		log.Fatalf("read %s: %v", imagePath, err)
	}
	img := image.New(data, "MSD81")
	if ok, msg := image.Validate(img); !ok {
		log.Fatalf("invalid image: %s", msg)
	}
	err = f.Flash(ctx, img.Data, flasher.FlashOptions{ChunkSize: chunk}, func(done, total int) {
		fmt.Printf("\rflash: %d/%d bytes", done, total)
	})
	fmt.Println()
	if err != nil {
		log.Fatalf("flash: %v", err)
	}
	fmt.Println("flash programmed and verified successfully")
}

func runPatchVIN(imagePath, oldVIN, newVIN, outputPath string) error {
	if imagePath == "" || oldVIN == "" || newVIN == "" {
		return fmt.Errorf("patch-vin requires -image, -old-vin, and -new-vin")
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", imagePath, err)
	}
	img := image.New(data, "MSD81")
	if err := image.PatchVIN(img, oldVIN, newVIN); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, img.Data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}
	fmt.Printf("patched image written to %s\n", outputPath)
	return nil
}
