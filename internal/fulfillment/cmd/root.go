// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package cmd holds the fulfillment command tree.
package cmd

import (
	"github.com/spf13/cobra"

	pkgconfig "github.com/innovationmech/fulfillment/pkg/config"
)

// configFlags selects the configuration files.
type configFlags struct {
	dir string
	env string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "config-dir", ".", "directory holding fulfillment.yaml")
	cmd.Flags().StringVar(&f.env, "env", "", "environment name, loads fulfillment.<env>.yaml")
}

func (f *configFlags) manager() *pkgconfig.Manager {
	opts := pkgconfig.DefaultOptions()
	opts.WorkDir = f.dir
	opts.EnvironmentName = f.env
	return pkgconfig.NewManager(opts)
}

// NewRootCommand builds the fulfillment command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fulfillment",
		Short:         "Order fulfillment saga services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		NewServeCommand(),
		NewPlaceOrderCommand(),
		NewConfigCommand(),
		NewVersionCommand(),
	)
	return root
}
