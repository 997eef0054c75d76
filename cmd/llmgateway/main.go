// Package main is the entry point for the llmgateway binary.
package main

func main() {
	Execute()
}
