package main

import (
	"github.com/corray333/backend-labs/autherror/internal/app"
	"github.com/corray333/backend-labs/autherror/internal/config"
)

func main() {
	config.MustInit()
	app.MustNewApp().Run()
}
