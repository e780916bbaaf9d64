// Package observer polls the wallet for transaction confidence and turns the
// results into events. Polling is paced by a shared rate limiter so many
// watched transactions do not hammer the wallet backend.
package observer

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/peertrade-network/peertrade-daemon/internal/core/ports"
)

// EventType discriminates the events emitted by the observer.
type EventType int

const (
	TransactionUnconfirmed EventType = iota
	TransactionConfirmed
)

// Event is emitted through the event channel during observation.
type Event interface {
	Type() EventType
}

// TxEvent reports the observed confidence of a transaction.
type TxEvent struct {
	TxId          string
	EventType     EventType
	Confirmations uint32
}

func (t TxEvent) Type() EventType {
	return t.EventType
}

// TxGetter is the wallet capability the observer polls.
type TxGetter interface {
	GetTransactionInfo(txId string) (*ports.TxInfo, error)
}

// Observable represents an object that can be observed on the blockchain.
type Observable interface {
	Observe(
		txGetter TxGetter,
		errChan chan error,
		eventChan chan Event,
		rateLimiter *rate.Limiter,
	)
	Key() string
}

// TxObservable watches one transaction until it reaches the wanted depth.
type TxObservable struct {
	TxId  string
	Depth uint32
}

func (t *TxObservable) Observe(
	txGetter TxGetter,
	errChan chan error,
	eventChan chan Event,
	rateLimiter *rate.Limiter,
) {
	if t == nil {
		return
	}

	r := rateLimiter.Reserve()
	if !r.OK() {
		return
	}
	time.Sleep(r.Delay())

	info, err := txGetter.GetTransactionInfo(t.TxId)
	if err != nil {
		errChan <- err
		return
	}

	eventType := TransactionUnconfirmed
	if info.Confirmations >= t.Depth {
		eventType = TransactionConfirmed
	}
	eventChan <- TxEvent{
		TxId:          t.TxId,
		EventType:     eventType,
		Confirmations: info.Confirmations,
	}
}

func (t *TxObservable) Key() string {
	return t.TxId
}

// Service is the interface for the observer.
type Service interface {
	Start()
	Stop()
	AddObservable(observable Observable)
	RemoveObservable(observable Observable)
	GetEventChannel() chan Event
}

type txObserver struct {
	interval     *time.Ticker
	txGetter     TxGetter
	errChan      chan error
	quitChan     chan int
	eventChan    chan Event
	observables  []Observable
	errorHandler func(err error)
	rateLimiter  *rate.Limiter
	mutex        *sync.RWMutex
}

// NewService returns an observer polling at the given interval.
func NewService(
	txGetter TxGetter,
	pollInterval time.Duration,
	errorHandler func(err error),
) Service {
	return &txObserver{
		interval:     time.NewTicker(pollInterval),
		txGetter:     txGetter,
		errChan:      make(chan error),
		quitChan:     make(chan int),
		eventChan:    make(chan Event),
		observables:  make([]Observable, 0),
		errorHandler: errorHandler,
		rateLimiter:  rate.NewLimiter(rate.Limit(10), 1),
		mutex:        &sync.RWMutex{},
	}
}

// Start periodically polls all observables until stopped.
func (o *txObserver) Start() {
	var wg sync.WaitGroup
	log.Debug("start observe")
	for {
		select {
		case <-o.interval.C:
			o.observeAll(&wg)
		case err := <-o.errChan:
			o.errorHandler(err)
		case <-o.quitChan:
			log.Debug("stop observe")
			o.interval.Stop()
			wg.Wait()
			close(o.eventChan)
			return
		}
	}
}

// Stop stops the observer.
func (o *txObserver) Stop() {
	o.quitChan <- 1
}

// AddObservable adds a new Observable to the list of Observables to be
// watched over.
func (o *txObserver) AddObservable(observable Observable) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	for _, obs := range o.observables {
		if obs.Key() == observable.Key() {
			return
		}
	}
	o.observables = append(o.observables, observable)
}

// RemoveObservable stops watching the given Observable.
func (o *txObserver) RemoveObservable(observable Observable) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	newObservableList := make([]Observable, 0)
	for _, obs := range o.observables {
		if obs.Key() != observable.Key() {
			newObservableList = append(newObservableList, obs)
		}
	}
	o.observables = newObservableList
}

// GetEventChannel returns the Event channel which can be used to listen to
// blockchain events.
func (o *txObserver) GetEventChannel() chan Event {
	return o.eventChan
}

func (o *txObserver) getObservables() []Observable {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.observables
}

func (o *txObserver) observeAll(wg *sync.WaitGroup) {
	observables := o.getObservables()
	for _, obs := range observables {
		wg.Add(1)
		go func(obs Observable) {
			defer wg.Done()
			obs.Observe(o.txGetter, o.errChan, o.eventChan, o.rateLimiter)
		}(obs)
	}
}
