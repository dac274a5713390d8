// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/remexec/cmd/remexec"

func main() {
	cmd.Execute()
}
