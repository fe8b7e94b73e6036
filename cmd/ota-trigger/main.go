package main

import (
    "encoding/json"
    "errors"
    "flag"
    "fmt"
    "os"
    "strconv"
    "time"

    "github.com/nats-io/nats.go"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"

    "github.com/tambula/esp-listener/internal/config"
    "github.com/tambula/esp-listener/internal/protocol"
    "github.com/tambula/esp-listener/internal/trigger"
)

const usage = `usage: ota-trigger [flags] <firmware_url> <device_id> [device_id...]

Queues a WiFi OTA update for each device id. The running listener picks the
requests up on its next cycle.

examples:
  ota-trigger http://192.168.1.10:8000/firmware.bin 1
  ota-trigger http://192.168.1.10:8000/firmware.bin 1 2 3

flags:
`

func main() {
    var configFile, dir, port, natsURL string
    var single bool
    flag.StringVar(&configFile, "config", "config/esp-listener.yml", "Configuration file path")
    flag.StringVar(&dir, "dir", "", "Trigger directory (default: trigger.dir from config)")
    flag.StringVar(&port, "port", "", "Pin the update to one serial port")
    flag.StringVar(&natsURL, "nats", "", "Publish to NATS instead of writing trigger files")
    flag.BoolVar(&single, "single", false, "Write the single-device trigger file")
    flag.Usage = func() {
        fmt.Fprint(os.Stderr, usage)
        flag.PrintDefaults()
    }
    flag.Parse()

    log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

    if flag.NArg() < 2 {
        flag.Usage()
        os.Exit(2)
    }

    cfg, err := config.Load(configFile)
    if err != nil {
        log.Fatal().Err(err).Msg("Failed to load configuration")
    }
    if dir != "" {
        cfg.Trigger.Dir = dir
    }

    firmware := flag.Arg(0)
    ids, err := parseDeviceIDs(flag.Args()[1:])
    if err != nil {
        log.Fatal().Err(err).Msg("Invalid device ids")
    }
    if single && len(ids) > 1 {
        log.Fatal().Int("count", len(ids)).Msg("-single takes exactly one device id")
    }

    requests := make([]trigger.Request, 0, len(ids))
    for _, id := range ids {
        requests = append(requests, trigger.Request{DeviceID: id, Firmware: firmware, Port: port})
    }

    if natsURL != "" {
        if err := publish(natsURL, cfg.Trigger.NATSSubject, requests); err != nil {
            log.Fatal().Err(err).Msg("Failed to publish OTA requests")
        }
        return
    }

    for _, req := range requests {
        path, err := trigger.WriteRequest(cfg.Trigger.Dir, trigger.FileName(cfg.Trigger, req.DeviceID, single), req)
        if err != nil {
            log.Fatal().Err(err).Int("device_id", req.DeviceID).Msg("Failed to write trigger")
        }
        log.Info().Int("device_id", req.DeviceID).Str("file", path).Msg("OTA queued")
    }
    log.Info().Int("devices", len(requests)).Str("firmware", firmware).Msg("Requests written; the listener dispatches them on its next cycle")
}

// parseDeviceIDs validates ids as integers in 1-255 with no duplicates
func parseDeviceIDs(args []string) ([]int, error) {
    if len(args) == 0 {
        return nil, errors.New("at least one device id required")
    }

    seen := make(map[int]bool, len(args))
    ids := make([]int, 0, len(args))
    for _, arg := range args {
        id, err := strconv.Atoi(arg)
        if err != nil {
            return nil, fmt.Errorf("%q is not a number", arg)
        }
        if id < protocol.MinDeviceID || id > protocol.MaxDeviceID {
            return nil, fmt.Errorf("device id %d out of range %d-%d", id, protocol.MinDeviceID, protocol.MaxDeviceID)
        }
        if seen[id] {
            return nil, fmt.Errorf("duplicate device id %d", id)
        }
        seen[id] = true
        ids = append(ids, id)
    }
    return ids, nil
}

// publish sends each request and waits for the listener's ack
func publish(url, subject string, requests []trigger.Request) error {
    nc, err := nats.Connect(url, nats.Name("ota-trigger"))
    if err != nil {
        return fmt.Errorf("connect nats: %w", err)
    }
    defer nc.Close()

    for _, req := range requests {
        data, err := json.Marshal(req)
        if err != nil {
            return err
        }
        reply, err := nc.Request(subject, data, 5*time.Second)
        if err != nil {
            return fmt.Errorf("device %d: %w", req.DeviceID, err)
        }
        log.Info().Int("device_id", req.DeviceID).RawJSON("ack", reply.Data).Msg("OTA queued")
    }
    return nil
}
