package kubernetes

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"

	"github.com/dominodatalab/vulcan/pkg/lifecycle"
)

const (
	AppLabel       = "app"
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedBy      = "vulcan"
)

type podClientOpts struct {
	log         logr.Logger
	labels      map[string]string
	gracePeriod *int64
}

type PodClientOption func(o podClientOpts) podClientOpts

func PodLogger(log logr.Logger) PodClientOption {
	return func(o podClientOpts) podClientOpts {
		o.log = log
		return o
	}
}

// PodLabels are added to every pod. Descriptor labels take precedence.
func PodLabels(labels map[string]string) PodClientOption {
	return func(o podClientOpts) podClientOpts {
		o.labels = labels
		return o
	}
}

// DeleteGracePeriod overrides the termination grace period used when pods are removed.
func DeleteGracePeriod(seconds int64) PodClientOption {
	return func(o podClientOpts) podClientOpts {
		o.gracePeriod = pointer.Int64(seconds)
		return o
	}
}

// PodClient runs lifecycle descriptors as bare pods.
type PodClient struct {
	clientset kubernetes.Interface
	log       logr.Logger
	opts      podClientOpts
}

func NewPodClient(clientset kubernetes.Interface, opts ...PodClientOption) *PodClient {
	o := podClientOpts{log: logr.Discard()}
	for _, fn := range opts {
		o = fn(o)
	}

	return &PodClient{
		clientset: clientset,
		log:       o.log.WithName("pod-client"),
		opts:      o,
	}
}

// PodFor renders the pod submitted for a descriptor.
//
// The pod runs a single container named after the pod and is never restarted.
func PodFor(namespace string, d lifecycle.Descriptor, extraLabels map[string]string) *corev1.Pod {
	labels := map[string]string{}
	for k, v := range extraLabels {
		labels[k] = v
	}
	for k, v := range d.Labels {
		labels[k] = v
	}
	labels[AppLabel] = d.Name
	labels[ManagedByLabel] = ManagedBy

	var args []string
	if len(d.Args) > 0 {
		args = append(args, d.Args...)
	}

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "Pod",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      d.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:            d.Name,
					Image:           d.Image,
					Args:            args,
					ImagePullPolicy: corev1.PullIfNotPresent,
				},
			},
		},
	}
}

func (c *PodClient) Submit(ctx context.Context, namespace string, d lifecycle.Descriptor) (lifecycle.Handle, error) {
	pod := PodFor(namespace, d, c.opts.labels)

	created, err := c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return lifecycle.Handle{}, err
	}
	c.log.V(1).Info("Pod submitted", "namespace", created.Namespace, "name", created.Name, "uid", created.UID)

	return lifecycle.Handle{Namespace: namespace, Name: created.Name}, nil
}

func (c *PodClient) Read(ctx context.Context, namespace, name string) (lifecycle.State, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return lifecycle.State{}, classify(err)
	}

	return StateOf(pod), nil
}

func (c *PodClient) Remove(ctx context.Context, namespace, name string) error {
	background := metav1.DeletePropagationBackground
	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: c.opts.gracePeriod,
		PropagationPolicy:  &background,
	})
	if err != nil {
		return classify(err)
	}

	return nil
}

// Logs copies the output of the container named after the pod into w.
func (c *PodClient) Logs(ctx context.Context, namespace, name string, w io.Writer) error {
	req := c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Container: name})

	rc, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("cannot stream logs for pod %s/%s: %w", namespace, name, classify(err))
	}
	defer rc.Close()

	if _, err = io.Copy(w, rc); err != nil {
		return fmt.Errorf("cannot copy logs for pod %s/%s: %w", namespace, name, err)
	}

	return nil
}

// StateOf projects the pod status onto a lifecycle state. Container termination details fill in a missing
// reason or message.
func StateOf(pod *corev1.Pod) lifecycle.State {
	st := lifecycle.State{
		Phase:   lifecycle.Phase(pod.Status.Phase),
		Reason:  pod.Status.Reason,
		Message: pod.Status.Message,
	}

	cs := mainContainerStatus(pod)
	if cs == nil || cs.State.Terminated == nil {
		return st
	}

	term := cs.State.Terminated
	st.ExitCode = pointer.Int32(term.ExitCode)
	if st.Reason == "" {
		st.Reason = term.Reason
	}
	if st.Message == "" {
		st.Message = term.Message
	}

	return st
}

func mainContainerStatus(pod *corev1.Pod) *corev1.ContainerStatus {
	for i := range pod.Status.ContainerStatuses {
		if pod.Status.ContainerStatuses[i].Name == pod.Name {
			return &pod.Status.ContainerStatuses[i]
		}
	}
	if len(pod.Status.ContainerStatuses) == 1 {
		return &pod.Status.ContainerStatuses[0]
	}

	return nil
}

func classify(err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %w", lifecycle.ErrNotFound, err)
	}

	return err
}
