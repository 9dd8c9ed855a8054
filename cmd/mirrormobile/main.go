package main

import "github.com/chenxiaolong/MirrorMobile/cmd/mirrormobile/commands"

func main() {
	commands.Execute()
}
