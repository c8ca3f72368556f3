package main

import (
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/dominodatalab/vulcan/pkg/cmd"
	"github.com/dominodatalab/vulcan/pkg/cmd/image"
)

func main() {
	if err := image.NewCommand().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		cmd.ExitWithErr(err)
	}
}
