// Command distillflow runs resumable, back-pressured dataflow pipelines.
package main

import "github.com/Siddhant-K-code/distillflow/cmd"

func main() {
	cmd.Execute()
}
