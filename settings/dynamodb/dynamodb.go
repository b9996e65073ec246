// Package dynamodb stores the system settings as a single item in a DynamoDB
// table keyed by PK = "SETTINGS".
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ggoodman/chat-relay-go/settings"
)

const settingsPK = "SETTINGS"

const (
	attrBlacklist = "blacklist"
	attrWhitelist = "whitelist"
	attrAdmins    = "admins"
	attrAPIKeys   = "openaiApiKeys"
	attrModel     = "chatgptModel"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store implements settings.Store on a DynamoDB table.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Store.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("settings/dynamodb: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("settings/dynamodb: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: settingsPK},
	}
}

func (s *Store) Get(ctx context.Context) (*settings.SystemSettings, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("settings/dynamodb: get item: %w", err)
	}
	res := &settings.SystemSettings{}
	if out == nil || len(out.Item) == 0 {
		return res, nil
	}

	for attr, dst := range map[string]*[]string{
		attrBlacklist: &res.Blacklist,
		attrWhitelist: &res.Whitelist,
		attrAdmins:    &res.Admins,
		attrAPIKeys:   &res.OpenAIAPIKeys,
		attrModel:     &res.ChatGPTModel,
	} {
		v, err := listAttr(out.Item, attr)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return res, nil
}

func (s *Store) Put(ctx context.Context, in *settings.SystemSettings) error {
	if in == nil {
		return errors.New("settings/dynamodb: nil settings")
	}
	cp := *in
	cp.Normalize()

	item := key()
	item[attrBlacklist] = listValue(cp.Blacklist)
	item[attrWhitelist] = listValue(cp.Whitelist)
	item[attrAdmins] = listValue(cp.Admins)
	item[attrAPIKeys] = listValue(cp.OpenAIAPIKeys)
	item[attrModel] = listValue(cp.ChatGPTModel)

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("settings/dynamodb: put item: %w", err)
	}
	return nil
}

func listValue(vals []string) types.AttributeValue {
	l := make([]types.AttributeValue, 0, len(vals))
	for _, v := range vals {
		l = append(l, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: l}
}

// listAttr decodes an L-of-S attribute. A missing attribute is an empty list.
func listAttr(item map[string]types.AttributeValue, name string) ([]string, error) {
	v, ok := item[name]
	if !ok {
		return []string{}, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("settings/dynamodb: attribute %q is not a list", name)
	}
	out := make([]string, 0, len(l.Value))
	for i, e := range l.Value {
		s, ok := e.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("settings/dynamodb: attribute %q[%d] is not a string", name, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

var _ settings.Store = (*Store)(nil)
