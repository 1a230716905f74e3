package vectorstore

import (
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
)

func TestFlattenPayload(t *testing.T) {
	got := flattenPayload(map[string]*pb.Value{
		"content": {Kind: &pb.Value_StringValue{StringValue: "RTO for VOC"}},
		"year":    {Kind: &pb.Value_IntegerValue{IntegerValue: 2021}},
		"score":   {Kind: &pb.Value_DoubleValue{DoubleValue: 0.5}},
		"public":  {Kind: &pb.Value_BoolValue{BoolValue: true}},
		"nested":  {Kind: &pb.Value_StructValue{StructValue: &pb.Struct{}}},
	})
	want := map[string]string{"content": "RTO for VOC", "year": "2021", "score": "0.5", "public": "true"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestPointID(t *testing.T) {
	if got := pointID(&pb.PointId{PointIdOptions: &pb.PointId_Num{Num: 42}}); got != "42" {
		t.Errorf("numeric id = %q", got)
	}
	if got := pointID(&pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "abc"}}); got != "abc" {
		t.Errorf("uuid id = %q", got)
	}
}
