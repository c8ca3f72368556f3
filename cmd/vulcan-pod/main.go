package main

import (
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/dominodatalab/vulcan/pkg/cmd"
	"github.com/dominodatalab/vulcan/pkg/cmd/pod"
)

func main() {
	if err := pod.NewCommand().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		cmd.ExitWithErr(err)
	}
}
