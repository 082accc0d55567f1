// Command lookup_stub serves the user lookup gRPC service from a static YAML
// map, for local development:
//
//	users:
//	  U1: alice
//	  U2: bob
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ndibernardo/chat-service/pkg/lookup"
)

func main() {
	var addr, usersFile string
	cmd := &cobra.Command{
		Use:   "lookup_stub",
		Short: "Serve username lookups from a static file",
		RunE: func(*cobra.Command, []string) error {
			users, err := loadUsers(usersFile)
			if err != nil {
				return err
			}
			return serve(addr, users)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	cmd.Flags().StringVar(&usersFile, "users", "users.yaml", "YAML file with a users map of id to username")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

type stubFile struct {
	Users map[string]string `yaml:"users"`
}

// loadUsers keeps ids exactly as written; user ids are case sensitive.
func loadUsers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f stubFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Users) == 0 {
		return nil, fmt.Errorf("%s: no users defined", path)
	}
	return f.Users, nil
}

func serve(addr string, users map[string]string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	lookup.Register(srv, lookup.StaticServer{Users: users})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		srv.GracefulStop()
	}()

	log.Printf("Lookup stub serving %d users on %s", len(users), addr)
	return srv.Serve(lis)
}
