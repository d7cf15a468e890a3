package main

import "github.com/dnitsch/oidc-s3-auth/cmd"

func main() {
	cmd.Execute()
}
