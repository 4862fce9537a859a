/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

// set with -ldflags "-X main.appVersion=..."
var appVersion = "devel"

const appName = "dcdt-dnsd"

func main() {
	Execute()
}
