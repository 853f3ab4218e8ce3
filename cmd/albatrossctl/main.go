// Command albatrossctl manages the Albatross injection server on a rooted device.
package main

import "github.com/AlbatrossHook/AlbatrossManager/cmd/albatrossctl/cmd"

func main() {
	cmd.Execute()
}
