package capacitymanager

import (
	"context"

	"github.com/pkg/errors"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
)

// DeploymentScaler adjusts pool capacity through the scale subresource of the
// pool's Kubernetes deployment.
type DeploymentScaler struct {
	clientset kubernetes.Interface
}

func NewDeploymentScaler(config configuration.KubernetesConfiguration) (*DeploymentScaler, error) {
	restConfig, err := loadKubernetesConfig(config)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &DeploymentScaler{clientset: clientset}, nil
}

func NewDeploymentScalerFromClientset(clientset kubernetes.Interface) *DeploymentScaler {
	return &DeploymentScaler{clientset: clientset}
}

func (s *DeploymentScaler) CurrentCapacity(ctx context.Context, namespace string, deployment string) (int32, error) {
	scale, err := s.clientset.AppsV1().Deployments(namespace).GetScale(ctx, deployment, metav1.GetOptions{})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return scale.Spec.Replicas, nil
}

func (s *DeploymentScaler) ScaleTo(ctx context.Context, namespace string, deployment string, replicas int32) error {
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: deployment, Namespace: namespace},
		Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
	}
	_, err := s.clientset.AppsV1().Deployments(namespace).UpdateScale(ctx, deployment, scale, metav1.UpdateOptions{})
	return errors.WithStack(err)
}

func loadKubernetesConfig(config configuration.KubernetesConfiguration) (*rest.Config, error) {
	if config.InClusterDeployment {
		return rest.InClusterConfig()
	}
	if config.ConfigLocation != "" {
		return clientcmd.BuildConfigFromFlags("", config.ConfigLocation)
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
