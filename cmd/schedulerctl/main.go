package main

import "git.yunify.com/quanxiang/scheduler/internal/cli"

func main() {
	cli.Execute()
}
