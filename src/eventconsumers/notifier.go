package eventconsumers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
	pubsub "github.com/jiaming2012/risk-daemon/src/eventpubsub"
)

// AlertNotifier forwards alerts and pipeline errors to a Slack compatible
// webhook. Posts are fire and forget on their own goroutines: a slow or dead
// webhook must never stall enforcement. With no webhook configured the
// notifier degrades to log lines.
type AlertNotifier struct {
	wg         *sync.WaitGroup
	webhookURL string
	client     *http.Client
	pending    sync.WaitGroup
}

func NewAlertNotifier(wg *sync.WaitGroup, webhookURL string, timeout time.Duration) *AlertNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &AlertNotifier{
		wg:         wg,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (n *AlertNotifier) handleAlert(alert *eventmodels.Alert) {
	var msg string
	if alert.AccountID == "" {
		msg = fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(alert.Level)), alert.Source, alert.Message)
	} else {
		msg = fmt.Sprintf("[%s] %s (account %s): %s", strings.ToUpper(string(alert.Level)), alert.Source, alert.AccountID, alert.Message)
	}

	log.Infof("AlertNotifier: %s", msg)

	n.send(msg)
}

func (n *AlertNotifier) handleError(err error) {
	n.send(fmt.Sprintf("[ERROR] %v", err))
}

func (n *AlertNotifier) send(msg string) {
	if n.webhookURL == "" {
		log.Debugf("AlertNotifier.send: no webhook configured, skipping post")
		return
	}

	n.pending.Add(1)

	go func() {
		defer n.pending.Done()

		if err := n.post(msg); err != nil {
			log.Errorf("AlertNotifier.send: %v", err)
		}
	}()
}

func (n *AlertNotifier) post(msg string) error {
	body := make(map[string]interface{})
	body["text"] = msg

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("AlertNotifier.post: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("AlertNotifier.post: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("AlertNotifier.post: failed to post alert: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("AlertNotifier.post: webhook returned status %d", res.StatusCode)
	}

	return nil
}

func (n *AlertNotifier) Start(ctx context.Context) {
	n.wg.Add(1)

	pubsub.Subscribe("AlertNotifier", pubsub.AlertEvent, n.handleAlert)
	pubsub.Subscribe("AlertNotifier", pubsub.Error, n.handleError)

	go func() {
		defer n.wg.Done()

		<-ctx.Done()
		n.pending.Wait()
		log.Info("stopping AlertNotifier consumer")
	}()
}
