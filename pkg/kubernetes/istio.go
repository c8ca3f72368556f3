package kubernetes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/dominodatalab/vulcan/pkg/logger"
)

var (
	istioCheckURL  = "http://localhost:15021/healthz/ready"
	istioFinishURL = "http://localhost:15020/quitquitquit"

	istioRetryMax  = 10
	istioRetryWait = 1 * time.Second
)

// WaitForIstioSidecar blocks until the local istio proxy reports ready. The returned func asks the proxy to
// exit and must be called once the pod workload is finished, otherwise the sidecar keeps the pod alive.
func WaitForIstioSidecar(ctx context.Context, log logr.Logger) (func(), error) {
	log = log.WithName("istio")
	client := newRetryClient(log)

	log.Info("Checking istio sidecar")
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, istioCheckURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Error(err, "Istio sidecar is not ready")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("istio sidecar readiness check returned %d", resp.StatusCode)
	}
	log.Info("Istio sidecar available")

	fn := func() {
		log.Info("Triggering istio termination")

		req, err := retryablehttp.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, istioFinishURL, nil)
		if err != nil {
			log.Error(err, "Cannot build istio termination request")
			return
		}
		if resp, err := client.Do(req); err != nil {
			log.Error(err, "Istio termination failed")
		} else {
			resp.Body.Close()
		}
	}

	return fn, nil
}

func newRetryClient(log logr.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = istioRetryMax
	client.RetryWaitMin = istioRetryWait
	client.RetryWaitMax = istioRetryWait
	client.Logger = logger.Leveled{Log: log}

	return client
}
