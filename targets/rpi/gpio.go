//go:build linux && !tinygo

package main

import (
	"fmt"
	"sync"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/rpi"

	"quadenc/pcnt"
)

// watchedEncoder drives a software decoder from embd edge watches on both
// channel pins
type watchedEncoder struct {
	mu   sync.Mutex
	soft *pcnt.Soft
	pinA embd.DigitalPin
	pinB embd.DigitalPin
}

func openInput(n pcnt.Pin) (embd.DigitalPin, error) {
	pin, err := embd.NewDigitalPin(int(n))
	if err != nil {
		return nil, fmt.Errorf("open gpio%d: %w", n, err)
	}
	if err := pin.SetDirection(embd.In); err != nil {
		pin.Close()
		return nil, fmt.Errorf("gpio%d direction: %w", n, err)
	}
	return pin, nil
}

// watchEncoder opens both pins, seeds the decoder with their levels and
// starts watching every edge
func watchEncoder(soft *pcnt.Soft, a, b pcnt.Pin) (*watchedEncoder, error) {
	pinA, err := openInput(a)
	if err != nil {
		return nil, err
	}
	pinB, err := openInput(b)
	if err != nil {
		pinA.Close()
		return nil, err
	}

	w := &watchedEncoder{soft: soft, pinA: pinA, pinB: pinB}
	la, lb := w.levels()
	soft.SetState(la, lb)

	if err := pinA.Watch(embd.EdgeBoth, w.edge); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch gpio%d: %w", a, err)
	}
	if err := pinB.Watch(embd.EdgeBoth, w.edge); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch gpio%d: %w", b, err)
	}
	return w, nil
}

func (w *watchedEncoder) levels() (bool, bool) {
	a, errA := w.pinA.Read()
	b, errB := w.pinB.Read()
	// A failed read keeps the line at its idle (pulled-up) level
	return a == embd.High || errA != nil, b == embd.High || errB != nil
}

// edge may be called from the watcher goroutine of either pin
func (w *watchedEncoder) edge(embd.DigitalPin) {
	w.mu.Lock()
	a, b := w.levels()
	w.soft.Input(a, b)
	w.mu.Unlock()
}

func (w *watchedEncoder) Close() error {
	w.pinA.StopWatching()
	w.pinB.StopWatching()
	errA := w.pinA.Close()
	errB := w.pinB.Close()
	if errA != nil {
		return errA
	}
	return errB
}
