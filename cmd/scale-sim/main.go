package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type statePayload struct {
	Weight    int    `json:"weight"`
	Bottles   int    `json:"bottles"`
	Status    string `json:"status"`
	Vehicle   string `json:"vehicle,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type scale struct {
	client     mqtt.Client
	deviceID   string
	qos        byte
	fragmented bool
	unitGrams  int
	jitter     int
	weight     int
	rng        *rand.Rand
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device", "dock-1", "Scale identifier used in topics")
	vehicles := flag.String("vehicles", "V1,V2,V3", "Comma separated vehicle NFC ids tapped in rotation")
	mode := flag.String("mode", "mixed", "Payload shape: composite, fragmented or mixed")
	qos := flag.Int("qos", 0, "Publish QoS (0 or 1)")
	unitGrams := flag.Int("unit-grams", 275, "Weight of one bottle in grams")
	startBottles := flag.Int("start-bottles", 120, "Bottles on the pallet at start")
	maxBatch := flag.Int("max-batch", 12, "Largest number of bottles moved in one cycle")
	jitter := flag.Int("jitter", 40, "Maximum weight noise in grams")
	step := flag.Duration("step", 500*time.Millisecond, "Delay between readings within a cycle")
	pause := flag.Duration("pause", 3*time.Second, "Idle time between cycles")

	flag.Parse()

	if *qos < 0 || *qos > 1 {
		log.Fatalf("qos must be 0 or 1")
	}

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &scale{
		client:    client,
		deviceID:  *deviceID,
		qos:       byte(*qos),
		unitGrams: *unitGrams,
		jitter:    *jitter,
		weight:    *startBottles * *unitGrams,
		rng:       rng,
	}

	ids := splitList(*vehicles)
	s.publishState("idle", "")

	for cycle := 0; ; cycle++ {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-time.After(*pause):
		}

		switch *mode {
		case "composite":
			s.fragmented = false
		case "fragmented":
			s.fragmented = true
		default:
			s.fragmented = cycle%2 == 1
		}

		vehicle := ""
		if len(ids) > 0 {
			vehicle = ids[cycle%len(ids)]
		}
		bottles := 1 + rng.Intn(max(*maxBatch, 1))
		loading := cycle%2 == 0 && s.weight >= bottles*s.unitGrams

		if err := s.runCycle(ctx, vehicle, bottles, loading, *step); err != nil {
			log.Printf("cycle interrupted: %v", err)
		}
	}
}

// runCycle taps the vehicle, moves bottles in a few uneven steps and settles
// back to idle.
func (s *scale) runCycle(ctx context.Context, vehicle string, bottles int, loading bool, step time.Duration) error {
	status := "unloading"
	sign := 1
	if loading {
		status = "loading"
		sign = -1
	}

	if vehicle != "" {
		s.publishField("vehicle", vehicle)
	}
	s.publishState(status, "")

	target := s.weight + sign*bottles*s.unitGrams
	for moved := 0; moved < bottles; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}

		n := 1 + s.rng.Intn(bottles-moved)
		moved += n
		s.weight += sign * n * s.unitGrams
		s.publishWeight(status)
	}

	s.weight = target
	s.publishState("idle", "")
	log.Printf("%s %d bottles (vehicle=%q, weight=%dg)", status, bottles, vehicle, s.weight)
	return nil
}

func (s *scale) noisyWeight() int {
	if s.jitter <= 0 {
		return s.weight
	}
	return max(s.weight+s.rng.Intn(s.jitter*2+1)-s.jitter, 0)
}

func (s *scale) publishWeight(status string) {
	if s.fragmented {
		s.publishField("weight", fmt.Sprint(s.noisyWeight()))
		return
	}
	s.publishState(status, "")
}

func (s *scale) publishState(status, vehicle string) {
	weight := s.noisyWeight()
	if status == "idle" {
		weight = s.weight
	}

	if s.fragmented {
		s.publishField("weight", fmt.Sprint(weight))
		s.publishField("status", status)
		return
	}

	data, err := json.Marshal(statePayload{
		Weight:    weight,
		Bottles:   weight / s.unitGrams,
		Status:    status,
		Vehicle:   vehicle,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("failed to encode payload: %v", err)
		return
	}
	s.publish("state", data)
}

func (s *scale) publishField(field, value string) {
	s.publish(field, []byte(value))
}

func (s *scale) publish(channel string, payload []byte) {
	topic := fmt.Sprintf("scales/%s/%s", s.deviceID, channel)
	token := s.client.Publish(topic, s.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Printf("publish error: %v", err)
	}
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
