// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hostlist

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// EC2 is a Source that returns the private IP addresses of running EC2
// instances that match a set of tags.
type EC2 struct {
	// Tags is the set of tags that instances must carry. Each value
	// may be empty, in which case instances need only carry the tag.
	Tags map[string]string
	// API is the EC2 client used to list instances. If nil, a client
	// is created from the default AWS session.
	API ec2iface.EC2API
}

// ParseTags parses a comma-separated list of tag filters of the form
// "key=value" or "key".
func ParseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, elem := range strings.Split(s, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		parts := strings.SplitN(elem, "=", 2)
		if len(parts) == 1 {
			tags[parts[0]] = ""
		} else {
			tags[parts[0]] = parts[1]
		}
	}
	return tags
}

func (e EC2) filters() []*ec2.Filter {
	keys := make([]string, 0, len(e.Tags))
	for k := range e.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	filters := []*ec2.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: []*string{aws.String(ec2.InstanceStateNameRunning)},
	}}
	for _, k := range keys {
		if v := e.Tags[k]; v != "" {
			filters = append(filters, &ec2.Filter{
				Name:   aws.String("tag:" + k),
				Values: []*string{aws.String(v)},
			})
		} else {
			filters = append(filters, &ec2.Filter{
				Name:   aws.String("tag-key"),
				Values: []*string{aws.String(k)},
			})
		}
	}
	return filters
}

// Hosts implements Source. Instances are returned in order of launch
// time, then instance ID, so that the listing is stable.
func (e EC2) Hosts(ctx context.Context) ([]string, error) {
	api := e.API
	if api == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.E(errors.Unavailable, "creating AWS session", err)
		}
		api = ec2.New(sess)
	}
	var instances []*ec2.Instance
	input := &ec2.DescribeInstancesInput{Filters: e.filters()}
	err := api.DescribeInstancesPagesWithContext(ctx, input,
		func(page *ec2.DescribeInstancesOutput, last bool) bool {
			for _, r := range page.Reservations {
				instances = append(instances, r.Instances...)
			}
			return true
		})
	if err != nil {
		return nil, errors.E(errors.Unavailable, "describing EC2 instances", err)
	}
	sort.SliceStable(instances, func(i, j int) bool {
		ti, tj := aws.TimeValue(instances[i].LaunchTime), aws.TimeValue(instances[j].LaunchTime)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return aws.StringValue(instances[i].InstanceId) < aws.StringValue(instances[j].InstanceId)
	})
	var hosts []string
	for _, inst := range instances {
		addr := aws.StringValue(inst.PrivateIpAddress)
		if addr == "" {
			log.Printf("instance %s has no private address; skipping", aws.StringValue(inst.InstanceId))
			continue
		}
		hosts = append(hosts, addr)
	}
	return hosts, nil
}
