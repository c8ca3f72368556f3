package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// RestConfig returns the kubernetes REST config for the given kubeconfig path and context.
//
// Out-of-cluster loading is attempted first, followed by in-cluster when that fails. An explicit kubeconfig
// or context disables the in-cluster fallback.
func RestConfig(kubeconfig, kubecontext string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}

	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{CurrentContext: kubecontext},
	)

	cfg, err := loader.ClientConfig()
	if err == nil {
		return cfg, nil
	}
	if kubeconfig != "" || kubecontext != "" {
		return nil, fmt.Errorf("cannot load kubeconfig: %w", err)
	}

	return rest.InClusterConfig()
}

// Namespace returns the namespace selected by the active kubeconfig context, or "default".
func Namespace(kubeconfig, kubecontext string) string {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}

	ns, _, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{CurrentContext: kubecontext},
	).Namespace()
	if err != nil || ns == "" {
		return "default"
	}

	return ns
}

// Clientset creates and returns the canonical kubernetes clientset.
//
// If conf is nil, then RestConfig("", "") is used to generate the config object.
func Clientset(conf *rest.Config) (kubernetes.Interface, error) {
	var err error

	if conf == nil {
		conf, err = RestConfig("", "")
		if err != nil {
			return nil, err
		}
	}

	return kubernetes.NewForConfig(conf)
}
